package server

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/giantswarm/edgeguard/storage"
)

// Risk component weights of the overall score.
const (
	behavioralWeight = 0.40
	geographicWeight = 0.35
	clientWeight     = 0.25
)

// RequestContext is what the server knows about the request being assessed.
type RequestContext struct {
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Country           string
	City              string
}

// Geo returns the geographic part of the context.
func (rc RequestContext) Geo() storage.GeoContext {
	return storage.GeoContext{Country: rc.Country, City: rc.City, IPAddress: rc.IPAddress}
}

// TokenContext returns the context stored on issued tokens.
func (rc RequestContext) TokenContext() *storage.TokenContext {
	return &storage.TokenContext{
		Geo:               rc.Geo(),
		DeviceFingerprint: rc.DeviceFingerprint,
		UserAgent:         rc.UserAgent,
	}
}

// RiskAssessment is a 0..100 score per component plus the weighted overall.
type RiskAssessment struct {
	Behavioral int `json:"behavioral_risk"`
	Geographic int `json:"geographic_risk"`
	Client     int `json:"client_risk"`
	Overall    int `json:"overall_risk"`
}

// NewRiskAssessment clamps the components and computes Overall.
func NewRiskAssessment(behavioral, geographic, client int) RiskAssessment {
	b, g, c := clampRisk(behavioral), clampRisk(geographic), clampRisk(client)
	overall := behavioralWeight*float64(b) + geographicWeight*float64(g) + clientWeight*float64(c)
	return RiskAssessment{
		Behavioral: b,
		Geographic: g,
		Client:     c,
		Overall:    clampRisk(int(math.Round(overall))),
	}
}

// Confidence is 1 minus the mean distance of the components from Overall.
func (a RiskAssessment) Confidence() float64 {
	d := math.Abs(float64(a.Behavioral-a.Overall)) +
		math.Abs(float64(a.Geographic-a.Overall)) +
		math.Abs(float64(a.Client-a.Overall))
	return math.Max(0, math.Min(1, 1-d/300))
}

func clampRisk(v int) int {
	return max(0, min(100, v))
}

// RiskAssessor scores a request for a client. Implementations must be safe
// for concurrent use.
type RiskAssessor interface {
	Assess(ctx context.Context, client *storage.Client, userID string, rc RequestContext) (RiskAssessment, error)
}

// AdaptationDecision is the outcome of an assessment.
type AdaptationDecision string

const (
	DecisionTighten  AdaptationDecision = "tighten"
	DecisionRelax    AdaptationDecision = "relax"
	DecisionMaintain AdaptationDecision = "maintain"
)

// Adaptation records one assessment and what it changed.
type Adaptation struct {
	ClientID   string                        `json:"client_id"`
	UserID     string                        `json:"-"`
	Decision   AdaptationDecision            `json:"decision"`
	Assessment RiskAssessment                `json:"assessment"`
	Confidence float64                       `json:"confidence"`
	Actions    []string                      `json:"actions"`
	Applied    bool                          `json:"applied"`
	Error      string                        `json:"error,omitempty"`
	Policy     *storage.ClientSecurityPolicy `json:"new_policy,omitempty"`
	At         time.Time                     `json:"at"`
}

// TightenPolicy scales the limits of p down by risk and adds verification
// requirements. It returns a copy.
func TightenPolicy(p storage.ClientSecurityPolicy, risk int) storage.ClientSecurityPolicy {
	p = p.Clone()
	f := math.Min(float64(clampRisk(risk))/100, 1)

	p.MaxRequestsPerMinute = int(float64(p.MaxRequestsPerMinute) * (1 - 0.5*f))
	p.MaxRequestsPerHour = int(float64(p.MaxRequestsPerHour) * (1 - 0.3*f))
	p.MaxRequestSize = int64(float64(p.MaxRequestSize) * (1 - 0.4*f))

	if risk > 80 {
		p.VerificationRequirements = addRequirement(p.VerificationRequirements, storage.VerifyMultiFactor)
	}
	if risk > 70 {
		p.VerificationRequirements = addRequirement(p.VerificationRequirements, storage.VerifyDevice)
	}
	if risk > 60 {
		p.VerificationRequirements = addRequirement(p.VerificationRequirements, storage.VerifyGeographic)
	}

	p.BehavioralMonitoring = true
	p.GeographicAnalysis = true
	return p
}

// RelaxPolicy scales the limits of p up by how low risk is and drops the
// lighter verification requirements. Multi-factor is never dropped.
func RelaxPolicy(p storage.ClientSecurityPolicy, risk int) storage.ClientSecurityPolicy {
	p = p.Clone()
	r := math.Min(1-float64(clampRisk(risk))/100, 1)

	p.MaxRequestsPerMinute = int(float64(p.MaxRequestsPerMinute) * (1 + 0.3*r))
	p.MaxRequestsPerHour = int(float64(p.MaxRequestsPerHour) * (1 + 0.2*r))
	p.MaxRequestSize = int64(float64(p.MaxRequestSize) * (1 + 0.2*r))

	if risk < 30 {
		p.VerificationRequirements = slices.DeleteFunc(p.VerificationRequirements, func(v string) bool {
			return v == storage.VerifyDevice
		})
	}
	if risk < 20 {
		p.VerificationRequirements = slices.DeleteFunc(p.VerificationRequirements, func(v string) bool {
			return v == storage.VerifyGeographic
		})
	}
	return p
}

func addRequirement(list []string, req string) []string {
	if slices.Contains(list, req) {
		return list
	}
	return append(list, req)
}

func tighteningActions(a RiskAssessment) []string {
	var actions []string
	if a.Behavioral > 70 {
		actions = append(actions, "intensive_behavioral_monitoring")
	}
	if a.Geographic > 70 {
		actions = append(actions, "strict_geographic_verification")
	}
	if a.Client > 70 {
		actions = append(actions, "additional_client_verification")
	}
	return append(actions, "reduce_rate_limits", "additional_logging")
}

func relaxationActions(a RiskAssessment) []string {
	var actions []string
	if a.Overall < 30 {
		actions = append(actions, "increase_rate_limits", "reduce_verification_requirements")
	}
	if a.Overall < 20 {
		actions = append(actions, "optimize_performance_settings")
	}
	return actions
}

// decide maps an assessment to a decision using the configured thresholds.
func (s *Server) decide(a RiskAssessment) AdaptationDecision {
	switch {
	case a.Overall >= s.Config.TightenThreshold:
		return DecisionTighten
	case a.Overall <= s.Config.RelaxThreshold:
		return DecisionRelax
	default:
		return DecisionMaintain
	}
}

// AssessAndAdapt scores the request and tightens or relaxes the client's
// policy accordingly. An assessor failure is logged and treated as a
// maintain decision at the client's current policy.
func (s *Server) AssessAndAdapt(ctx context.Context, client *storage.Client, userID string, rc RequestContext) Adaptation {
	ctx, span := s.tracer.Start(ctx, "server.AssessAndAdapt")
	defer span.End()

	assessor := s.Assessor
	if assessor == nil {
		assessor = NewHeuristicAssessor(nil)
	}

	adaptation := Adaptation{
		ClientID: client.ClientID,
		UserID:   userID,
		Decision: DecisionMaintain,
		At:       s.now(),
	}

	assessment, err := assessor.Assess(ctx, client, userID, rc)
	if err != nil {
		s.Logger.Warn("Risk assessment failed", "client_id", client.ClientID, "error", err)
		adaptation.Error = err.Error()
		adaptation.Actions = []string{"maintain_current_security_level"}
		s.recordAdaptation(ctx, adaptation)
		return adaptation
	}

	adaptation.Assessment = assessment
	adaptation.Confidence = assessment.Confidence()
	adaptation.Decision = s.decide(assessment)

	var adapt func(storage.ClientSecurityPolicy, int) storage.ClientSecurityPolicy
	switch adaptation.Decision {
	case DecisionTighten:
		adaptation.Actions = tighteningActions(assessment)
		adapt = TightenPolicy
	case DecisionRelax:
		adaptation.Actions = relaxationActions(assessment)
		adapt = RelaxPolicy
	default:
		adaptation.Actions = []string{"maintain_current_security_level"}
		adaptation.Applied = true
	}

	if adapt != nil {
		now := s.now()
		updated, err := s.clientStore.UpdateClient(ctx, client.ClientID, func(c *storage.Client) error {
			c.SecurityPolicy = adapt(c.SecurityPolicy, assessment.Overall)
			c.UpdatedAt = now
			return nil
		})
		if err != nil {
			adaptation.Error = err.Error()
		} else {
			adaptation.Applied = true
			p := updated.SecurityPolicy
			adaptation.Policy = &p
		}
	}

	s.recordAdaptation(ctx, adaptation)
	return adaptation
}

func (s *Server) recordAdaptation(ctx context.Context, a Adaptation) {
	s.historyMu.Lock()
	s.history = append(s.history, a)
	if over := len(s.history) - s.Config.AdaptationHistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.historyMu.Unlock()

	if a.Decision != DecisionMaintain && s.Auditor != nil {
		s.Auditor.LogPolicyAdapted(a.ClientID, a.UserID, string(a.Decision), float64(a.Assessment.Overall), a.Actions)
	}
	if s.metrics != nil {
		s.metrics.RecordPolicyAdaptation(ctx, string(a.Decision))
	}
}

// AdaptationHistory returns the remembered adaptations of a client, oldest
// first. An empty clientID returns all of them.
func (s *Server) AdaptationHistory(clientID string) []Adaptation {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	out := make([]Adaptation, 0, len(s.history))
	for _, a := range s.history {
		if clientID == "" || a.ClientID == clientID {
			out = append(out, a)
		}
	}
	return out
}
