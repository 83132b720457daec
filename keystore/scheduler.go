package keystore

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTickInterval is how often the scheduler wakes up.
	DefaultTickInterval = 15 * time.Second

	// DefaultPurgeSensitivity is the risk at which purges widen their window.
	DefaultPurgeSensitivity = 50

	maxHighRiskWindow   = time.Hour
	maxHighRiskCapacity = 8192
)

// RiskSource exposes the process-wide 0..100 risk score.
type RiskSource interface {
	CurrentRisk() int
}

// PurgeMode selects how often anti-replay windows are purged.
type PurgeMode string

const (
	PurgeDaily   PurgeMode = "daily"
	PurgeWeekly  PurgeMode = "weekly"
	PurgeMonthly PurgeMode = "monthly"
)

// ParsePurgeMode maps a mode name to a PurgeMode. Unknown names map to monthly.
func ParsePurgeMode(v string) PurgeMode {
	switch PurgeMode(strings.ToLower(strings.TrimSpace(v))) {
	case PurgeDaily:
		return PurgeDaily
	case PurgeWeekly:
		return PurgeWeekly
	default:
		return PurgeMonthly
	}
}

// Cadence returns the interval between purges.
func (m PurgeMode) Cadence() time.Duration {
	switch m {
	case PurgeDaily:
		return 24 * time.Hour
	case PurgeWeekly:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// PurgeStatus describes the purge schedule.
type PurgeStatus struct {
	Enabled     bool         `json:"enabled"`
	Mode        PurgeMode    `json:"mode"`
	Sensitivity int          `json:"sensitivity"`
	Base        ReplayParams `json:"base"`
	NextRun     time.Time    `json:"next_run"`
	LastRun     time.Time    `json:"last_run"`
	LastRemoved int          `json:"last_removed"`
}

// PurgeResult is the outcome of one purge pass.
type PurgeResult struct {
	Removed int          `json:"removed"`
	Params  ReplayParams `json:"params"`
	Risk    int          `json:"risk"`
	Widened bool         `json:"widened"`
	Keys    int          `json:"keys"`
	Entries int          `json:"entries"`
	RanAt   time.Time    `json:"ran_at"`
	NextRun time.Time    `json:"next_run"`
}

// AutoRotationStatus describes risk-triggered key rotation.
type AutoRotationStatus struct {
	Enabled      bool          `json:"enabled"`
	Threshold    int           `json:"threshold"`
	MinInterval  time.Duration `json:"min_interval"`
	KeyIDs       []string      `json:"key_ids"`
	KeyLength    int           `json:"key_length"`
	LastRotation time.Time     `json:"last_rotation"`
}

// Scheduler runs anti-replay purges on a cadence and rotates keys when the
// risk score crosses a threshold.
type Scheduler struct {
	store    *Store
	risk     RiskSource
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	nudge    chan struct{}

	onPurge  func(PurgeResult)
	onRotate func(ids []string)

	mu    sync.Mutex
	purge PurgeStatus
	auto  AutoRotationStatus
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the clock.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPurgeHook registers a callback invoked after every purge pass.
func WithPurgeHook(fn func(PurgeResult)) SchedulerOption {
	return func(s *Scheduler) { s.onPurge = fn }
}

// WithRotationHook registers a callback invoked after automatic rotation.
func WithRotationHook(fn func(ids []string)) SchedulerOption {
	return func(s *Scheduler) { s.onRotate = fn }
}

// NewScheduler creates a scheduler over store. Purging and auto rotation
// start disabled.
func NewScheduler(store *Store, risk RiskSource, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		risk:     risk,
		logger:   logger,
		now:      time.Now,
		interval: DefaultTickInterval,
		nudge:    make(chan struct{}, 1),
		purge: PurgeStatus{
			Mode:        PurgeWeekly,
			Sensitivity: DefaultPurgeSensitivity,
			Base:        DefaultReplayParams(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled, ticking the scheduler on its interval
// and checking auto rotation whenever Nudge is called.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Key scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Key scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick()
		case <-s.nudge:
			s.CheckAutoRotation()
		}
	}
}

// Nudge asks the running loop to re-evaluate auto rotation. It never blocks.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Tick runs a due purge and then checks auto rotation.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	due := s.purge.Enabled && !s.now().Before(s.purge.NextRun)
	s.mu.Unlock()

	if due {
		s.RunPurgeNow()
	}
	s.CheckAutoRotation()
}

// ConfigurePurge enables scheduled purging. The first run is one cadence away.
func (s *Scheduler) ConfigurePurge(mode PurgeMode, sensitivity int, base ReplayParams) PurgeStatus {
	mode = ParsePurgeMode(string(mode))
	sensitivity = clampRisk(sensitivity)
	base = base.Clamp()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge.Enabled = true
	s.purge.Mode = mode
	s.purge.Sensitivity = sensitivity
	s.purge.Base = base
	s.purge.NextRun = s.now().Add(mode.Cadence())

	s.logger.Info("Anti-replay purge configured",
		"mode", mode, "sensitivity", sensitivity,
		"window", base.Window, "capacity", base.Capacity,
		"next_run", s.purge.NextRun)
	return s.purge
}

// DisablePurge stops scheduled purging.
func (s *Scheduler) DisablePurge() {
	s.mu.Lock()
	s.purge.Enabled = false
	s.mu.Unlock()
	s.logger.Info("Anti-replay purge disabled")
}

// PurgeStatus returns a snapshot of the purge schedule.
func (s *Scheduler) PurgeStatus() PurgeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purge
}

// RunPurgeNow applies risk-adjusted replay parameters, purges every window
// and schedules the next run.
func (s *Scheduler) RunPurgeNow() PurgeResult {
	s.mu.Lock()
	base := s.purge.Base
	sensitivity := s.purge.Sensitivity
	mode := s.purge.Mode
	s.mu.Unlock()

	risk := s.currentRisk()
	params, widened := effectiveParams(base, risk, sensitivity)

	now := s.now()
	guard := s.store.Replay()
	params = guard.SetParams(params)
	removed := guard.Purge(now)
	keys, entries := guard.Counts()

	result := PurgeResult{
		Removed: removed,
		Params:  params,
		Risk:    risk,
		Widened: widened,
		Keys:    keys,
		Entries: entries,
		RanAt:   now,
		NextRun: now.Add(mode.Cadence()),
	}

	s.mu.Lock()
	s.purge.LastRun = now
	s.purge.LastRemoved = removed
	s.purge.NextRun = result.NextRun
	s.mu.Unlock()

	s.logger.Info("Anti-replay purge completed",
		"removed", removed, "risk", risk, "widened", widened,
		"window", params.Window, "capacity", params.Capacity)

	if s.onPurge != nil {
		s.onPurge(result)
	}
	return result
}

// effectiveParams widens base when risk has reached sensitivity.
func effectiveParams(base ReplayParams, risk, sensitivity int) (ReplayParams, bool) {
	if risk < sensitivity {
		return base, false
	}
	p := base
	p.Window = min(base.Window*3, maxHighRiskWindow)
	p.Capacity = min(base.Capacity*2, maxHighRiskCapacity)
	return p, true
}

// ConfigureAutoRotation enables risk-triggered rotation for ids.
func (s *Scheduler) ConfigureAutoRotation(threshold int, minInterval time.Duration, ids []string, keyLength int) (AutoRotationStatus, error) {
	if len(ids) == 0 {
		return AutoRotationStatus{}, fmtInvalid("at least one key id is required")
	}
	for _, id := range ids {
		if err := validateKeyID(id); err != nil {
			return AutoRotationStatus{}, err
		}
	}
	keyLength, err := normalizeLength(keyLength)
	if err != nil {
		return AutoRotationStatus{}, err
	}
	if minInterval < 0 {
		return AutoRotationStatus{}, fmtInvalid("min interval must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.auto.Enabled = true
	s.auto.Threshold = clampRisk(threshold)
	s.auto.MinInterval = minInterval
	s.auto.KeyIDs = append([]string(nil), ids...)
	s.auto.KeyLength = keyLength

	s.logger.Info("Automatic key rotation configured",
		"threshold", s.auto.Threshold, "min_interval", minInterval, "key_ids", ids)
	return s.autoSnapshot(), nil
}

// DisableAutoRotation stops risk-triggered rotation.
func (s *Scheduler) DisableAutoRotation() {
	s.mu.Lock()
	s.auto.Enabled = false
	s.mu.Unlock()
	s.logger.Info("Automatic key rotation disabled")
}

// AutoRotationStatus returns a snapshot of the auto rotation settings.
func (s *Scheduler) AutoRotationStatus() AutoRotationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSnapshot()
}

func (s *Scheduler) autoSnapshot() AutoRotationStatus {
	snap := s.auto
	snap.KeyIDs = append([]string(nil), s.auto.KeyIDs...)
	return snap
}

// CheckAutoRotation rotates every configured key when risk has reached the
// threshold and the minimum interval has passed since the last rotation.
// It returns the ids that were rotated.
func (s *Scheduler) CheckAutoRotation() []string {
	risk := s.currentRisk()
	now := s.now()

	s.mu.Lock()
	cfg := s.autoSnapshot()
	eligible := cfg.Enabled && risk >= cfg.Threshold &&
		(cfg.LastRotation.IsZero() || now.Sub(cfg.LastRotation) >= cfg.MinInterval)
	if eligible {
		s.auto.LastRotation = now
	}
	s.mu.Unlock()

	if !eligible {
		return nil
	}

	rotated := make([]string, 0, len(cfg.KeyIDs))
	for _, id := range cfg.KeyIDs {
		meta, err := s.store.Meta(id)
		if err != nil {
			s.logger.Warn("Automatic rotation skipped unknown key", "key_id", id, "error", err)
			continue
		}
		if _, err := s.store.RotateKey(id, meta.Version+1, cfg.KeyLength, now); err != nil {
			s.logger.Warn("Automatic rotation failed", "key_id", id, "error", err)
			continue
		}
		rotated = append(rotated, id)
	}

	s.logger.Warn("Keys rotated due to elevated risk", "risk", risk, "threshold", cfg.Threshold, "key_ids", rotated)
	if s.onRotate != nil && len(rotated) > 0 {
		s.onRotate(rotated)
	}
	return rotated
}

func (s *Scheduler) currentRisk() int {
	if s.risk == nil {
		return 0
	}
	return s.risk.CurrentRisk()
}

func clampRisk(v int) int {
	return max(0, min(100, v))
}
