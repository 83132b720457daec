package server

import (
	"context"
	"sync"

	"github.com/giantswarm/edgeguard/internal/helpers"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
)

const (
	maxKnownUsers        = 10000
	maxFingerprintsPerID = 8
)

// HeuristicAssessor is the built-in RiskAssessor. It scores requests from
// the source address class, device fingerprint novelty, the client's type
// and load, and the process-wide risk when a RiskSource is given.
type HeuristicAssessor struct {
	risk security.RiskSource

	mu    sync.Mutex
	seen  map[string][]string
	order []string
}

// NewHeuristicAssessor creates the built-in assessor. risk may be nil.
func NewHeuristicAssessor(risk security.RiskSource) *HeuristicAssessor {
	return &HeuristicAssessor{
		risk: risk,
		seen: make(map[string][]string),
	}
}

// Assess implements RiskAssessor.
func (h *HeuristicAssessor) Assess(_ context.Context, client *storage.Client, userID string, rc RequestContext) (RiskAssessment, error) {
	return NewRiskAssessment(
		h.behavioral(userID, rc),
		geographicRisk(client.SecurityPolicy, rc),
		h.clientRisk(client),
	), nil
}

func (h *HeuristicAssessor) behavioral(userID string, rc RequestContext) int {
	score := 10
	if rc.UserAgent == "" {
		score += 30
	}
	if rc.DeviceFingerprint == "" {
		return score + 20
	}
	if userID != "" && h.rememberFingerprint(userID, rc.DeviceFingerprint) {
		score += 40
	}
	return score
}

// rememberFingerprint records fp for id and reports whether it is new for
// a user that already has known devices.
func (h *HeuristicAssessor) rememberFingerprint(id, fp string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	known, exists := h.seen[id]
	for _, k := range known {
		if k == fp {
			return false
		}
	}

	if !exists {
		if len(h.order) >= maxKnownUsers {
			delete(h.seen, h.order[0])
			h.order = h.order[1:]
		}
		h.order = append(h.order, id)
	}
	if len(known) >= maxFingerprintsPerID {
		known = known[1:]
	}
	h.seen[id] = append(known, fp)
	return len(known) > 0
}

func geographicRisk(policy storage.ClientSecurityPolicy, rc RequestContext) int {
	if !policy.GeoRestrictions.Allows(rc.Geo()) {
		return 100
	}
	switch helpers.ClassifyAddress(rc.IPAddress) {
	case helpers.IPClassificationLoopback:
		return 0
	case helpers.IPClassificationPrivate:
		return 10
	case helpers.IPClassificationPublic:
		return 25
	case helpers.IPClassificationLinkLocal:
		return 30
	default:
		return 60
	}
}

func (h *HeuristicAssessor) clientRisk(c *storage.Client) int {
	if !c.Active {
		return 100
	}
	score := 30
	if c.ClientType.IsConfidential() {
		score = 10
	}
	if limit := c.SecurityPolicy.MaxRequestsPerMinute; limit > 0 {
		score += min(c.MinuteRequests*100/limit, 100) / 4
	}
	if h.risk != nil {
		score += h.risk.CurrentRisk() / 2
	}
	return score
}
