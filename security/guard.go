package security

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultGuardPath is the webhook ingress path protected out of the box.
	DefaultGuardPath = "/webhook/in"

	// DefaultGuardKeyID is the key that signs operator and webhook traffic.
	DefaultGuardKeyID = "auth_hmac"

	// DefaultGuardWindowMs is the default timestamp tolerance.
	DefaultGuardWindowMs = int64(DefaultTimestampWindow / time.Millisecond)

	// MinGuardWindowMs is the floor a tightened window never goes below.
	MinGuardWindowMs = int64(MinTimestampWindow / time.Millisecond)

	// TightenRiskThreshold and TightenErrorRatio trigger tightening.
	TightenRiskThreshold = 70
	TightenErrorRatio    = 0.2

	// RelaxRiskThreshold is the risk at or below which a guard may relax.
	RelaxRiskThreshold = 30
)

// RiskSource exposes the process-wide 0..100 risk score.
type RiskSource interface {
	CurrentRisk() int
}

// EventRecorder receives operational events.
type EventRecorder interface {
	RecordEvent(kind, detail string)
}

// GuardConfig protects one path.
type GuardConfig struct {
	Path              string    `json:"path" yaml:"path"`
	Algorithm         Algorithm `json:"algorithm" yaml:"algorithm"`
	KeyID             string    `json:"key_id" yaml:"key_id"`
	Required          bool      `json:"required" yaml:"required"`
	TimestampWindowMs int64     `json:"timestamp_window_ms" yaml:"timestamp_window_ms"`
	AntiReplay        bool      `json:"anti_replay" yaml:"anti_replay"`
}

// DefaultGuardConfig returns the stock guard for path.
func DefaultGuardConfig(path string) GuardConfig {
	if path == "" {
		path = DefaultGuardPath
	}
	return GuardConfig{
		Path:              path,
		Algorithm:         AlgHMACSHA512,
		KeyID:             DefaultGuardKeyID,
		Required:          true,
		TimestampWindowMs: DefaultGuardWindowMs,
		AntiReplay:        true,
	}
}

// Validate checks the fields a guard needs.
func (g GuardConfig) Validate() error {
	if !strings.HasPrefix(g.Path, "/") {
		return fmt.Errorf("guard path must start with '/'")
	}
	if _, err := ParseAlgorithm(string(g.Algorithm)); err != nil {
		return err
	}
	if g.Algorithm == AlgHMACSHA512 && g.KeyID == "" {
		return fmt.Errorf("hmac guards need a key id")
	}
	if g.TimestampWindowMs <= 0 {
		return fmt.Errorf("timestamp window must be positive")
	}
	return nil
}

type tier struct {
	prefix      string
	exact       bool
	maxWindowMs int64
	fixedWindow bool
}

// Operator paths carry stricter limits than whatever is configured.
var guardTiers = []tier{
	{prefix: "/keys/", maxWindowMs: 120_000},
	{prefix: "/policy/", maxWindowMs: 120_000},
	{prefix: "/anti_replay/", maxWindowMs: 120_000},
	{prefix: "/memory/", maxWindowMs: 120_000},
	{prefix: "/clients/", maxWindowMs: 120_000},
	{prefix: "/tokens/", maxWindowMs: 120_000},
	{prefix: "/backup/", maxWindowMs: 180_000},
	{prefix: "/alerts/", maxWindowMs: 180_000},
	{prefix: "/metrics", exact: true, maxWindowMs: 60_000, fixedWindow: true},
	{prefix: "/events", exact: true, maxWindowMs: 60_000, fixedWindow: true},
}

// Prefixes that demand a signature even without a configured guard.
var signedPrefixes = []string{
	"/keys/", "/backup/", "/alerts/", "/webhook/guard/", "/anti_replay/purge",
	"/policy/", "/memory/", "/clients/", "/tokens/",
}

func enforceTier(g GuardConfig) GuardConfig {
	g.AntiReplay = true
	for _, t := range guardTiers {
		match := strings.HasPrefix(g.Path, t.prefix)
		if t.exact {
			match = g.Path == t.prefix
		}
		if !match {
			continue
		}
		g.Required = true
		if t.fixedWindow || g.TimestampWindowMs > t.maxWindowMs {
			g.TimestampWindowMs = t.maxWindowMs
		}
		break
	}
	return g
}

// GuardRegistry holds the guards for every protected path together with the
// baseline each was first registered with.
type GuardRegistry struct {
	mu       sync.RWMutex
	guards   map[string]GuardConfig
	baseline map[string]GuardConfig

	// keyID signs the implicit guards of signed prefixes.
	keyID string

	risk   RiskSource
	events EventRecorder
	logger *slog.Logger
}

// NewGuardRegistry creates an empty registry.
func NewGuardRegistry(risk RiskSource, events EventRecorder, logger *slog.Logger) *GuardRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardRegistry{
		guards:   make(map[string]GuardConfig),
		baseline: make(map[string]GuardConfig),
		keyID:    DefaultGuardKeyID,
		risk:     risk,
		events:   events,
		logger:   logger,
	}
}

// InstallBuiltins registers the default webhook guard and the operator
// metrics and events guards signed with keyID.
func (r *GuardRegistry) InstallBuiltins(keyID string) {
	if keyID != "" {
		r.mu.Lock()
		r.keyID = keyID
		r.mu.Unlock()
	}
	for _, path := range []string{DefaultGuardPath, "/metrics", "/events"} {
		g := DefaultGuardConfig(path)
		if keyID != "" {
			g.KeyID = keyID
		}
		if _, err := r.Set(g); err != nil {
			r.logger.Error("Failed to install builtin guard", "path", path, "error", err)
		}
	}
}

// Set validates, tier-enforces and stores g. The first configuration seen
// for a path becomes its baseline.
func (r *GuardRegistry) Set(g GuardConfig) (GuardConfig, error) {
	if err := g.Validate(); err != nil {
		return GuardConfig{}, err
	}
	g = enforceTier(g)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[g.Path] = g
	if _, ok := r.baseline[g.Path]; !ok {
		r.baseline[g.Path] = g
	}

	r.logger.Info("Signature guard configured",
		"path", g.Path, "algorithm", g.Algorithm, "required", g.Required,
		"window_ms", g.TimestampWindowMs, "anti_replay", g.AntiReplay)
	return g, nil
}

// Disable removes the guard for path. Tiered operator paths still demand a
// signature through Resolve.
func (r *GuardRegistry) Disable(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.guards[path]; !ok {
		return false
	}
	delete(r.guards, path)
	delete(r.baseline, path)
	r.logger.Info("Signature guard disabled", "path", path)
	return true
}

// Get returns the guard configured for path.
func (r *GuardRegistry) Get(path string) (GuardConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[path]
	return g, ok
}

// List returns all guards sorted by path.
func (r *GuardRegistry) List() []GuardConfig {
	r.mu.RLock()
	out := make([]GuardConfig, 0, len(r.guards))
	for _, g := range r.guards {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Resolve returns the guard that applies to path and whether a signature
// check must run at all. Paths without a guard under a signed prefix get
// the default guard for that path.
func (r *GuardRegistry) Resolve(path string) (GuardConfig, bool) {
	if g, ok := r.Get(path); ok {
		return g, true
	}
	for _, prefix := range signedPrefixes {
		if strings.HasPrefix(path, prefix) {
			g := DefaultGuardConfig(path)
			r.mu.RLock()
			g.KeyID = r.keyID
			r.mu.RUnlock()
			return enforceTier(g), true
		}
	}
	return GuardConfig{}, false
}

// Tighten reacts to a failed verification on path. When risk has reached
// TightenRiskThreshold or the path's error ratio has reached
// TightenErrorRatio, the window is halved (never below MinGuardWindowMs)
// and the guard is forced to required with anti-replay. It returns the
// resulting guard and whether anything changed.
func (r *GuardRegistry) Tighten(path string, errRatio float64, total uint64) (GuardConfig, bool) {
	risk := r.currentRisk()
	if risk < TightenRiskThreshold && (total == 0 || errRatio < TightenErrorRatio) {
		g, _ := r.Resolve(path)
		return g, false
	}

	r.mu.Lock()
	g, ok := r.guards[path]
	if !ok {
		g = enforceTier(DefaultGuardConfig(path))
		r.baseline[path] = g
	}
	before := g

	if halved := max(MinGuardWindowMs, g.TimestampWindowMs/2); halved < g.TimestampWindowMs {
		g.TimestampWindowMs = halved
	}
	g.Required = true
	g.AntiReplay = true
	r.guards[path] = g
	r.mu.Unlock()

	changed := !ok || before != g
	if changed {
		detail := fmt.Sprintf("path=%s window_ms=%d risk=%d err_ratio=%.2f", path, g.TimestampWindowMs, risk, errRatio)
		r.record(EventGuardTightened, detail)
		r.logger.Warn("Signature guard tightened", "path", path, "window_ms", g.TimestampWindowMs, "risk", risk, "error_ratio", errRatio)
	}
	return g, changed
}

// RelaxIfSafe restores the baseline window for path once risk has dropped to
// RelaxRiskThreshold. It never turns off Required.
func (r *GuardRegistry) RelaxIfSafe(path string) (GuardConfig, bool) {
	risk := r.currentRisk()

	r.mu.Lock()
	g, ok := r.guards[path]
	base, hasBase := r.baseline[path]
	if !ok || !hasBase || risk > RelaxRiskThreshold || g.TimestampWindowMs >= base.TimestampWindowMs {
		r.mu.Unlock()
		return g, false
	}
	g.TimestampWindowMs = base.TimestampWindowMs
	r.guards[path] = g
	r.mu.Unlock()

	r.record(EventGuardRelaxed, fmt.Sprintf("path=%s window_ms=%d risk=%d", path, g.TimestampWindowMs, risk))
	r.logger.Info("Signature guard relaxed", "path", path, "window_ms", g.TimestampWindowMs, "risk", risk)
	return g, true
}

func (r *GuardRegistry) currentRisk() int {
	if r.risk == nil {
		return 0
	}
	return r.risk.CurrentRisk()
}

func (r *GuardRegistry) record(kind, detail string) {
	if r.events != nil {
		r.events.RecordEvent(kind, detail)
	}
}
