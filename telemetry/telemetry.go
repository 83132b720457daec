package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// CircuitOpenThreshold is the risk at which the circuit opens.
	CircuitOpenThreshold = 90

	// CircuitCloseThreshold is the risk at which an open circuit closes again.
	CircuitCloseThreshold = 40

	// estimatedEventBytes approximates the memory held by one event.
	estimatedEventBytes = 256
)

// RiskListener is notified after the risk score changes.
type RiskListener func(oldRisk, newRisk int)

// Telemetry holds the risk score and traffic signals.
type Telemetry struct {
	risk        atomic.Int64
	circuitOpen atomic.Bool
	counters    counters
	events      *eventLog
	paths       *pathStats
	observer    observer

	listenersMu sync.RWMutex
	listeners   []RiskListener

	memLimit atomic.Int64
	memAuto  atomic.Bool

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Telemetry.
type Option func(*Telemetry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Telemetry) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Telemetry) {
		if now != nil {
			t.now = now
		}
	}
}

// WithEventCapacity overrides DefaultEventCapacity.
func WithEventCapacity(n int) Option {
	return func(t *Telemetry) {
		t.events = newEventLog(n)
	}
}

// New creates a Telemetry with risk zero and a closed circuit.
func New(opts ...Option) *Telemetry {
	t := &Telemetry{
		events: newEventLog(DefaultEventCapacity),
		paths:  newPathStats(),
		logger: slog.Default(),
		now:    time.Now,
	}
	t.observer.uniques = make(map[uint64]struct{}, maxUniqueClients)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CurrentRisk returns the risk score.
func (t *Telemetry) CurrentRisk() int {
	return int(t.risk.Load())
}

// AdjustRisk adds delta to the risk score, clamping to [0,100], and returns
// the old and new values.
func (t *Telemetry) AdjustRisk(delta int) (oldRisk, newRisk int) {
	for {
		cur := t.risk.Load()
		next := clamp(cur + int64(delta))
		if t.risk.CompareAndSwap(cur, next) {
			oldRisk, newRisk = int(cur), int(next)
			break
		}
	}
	t.afterRiskChange(oldRisk, newRisk)
	return oldRisk, newRisk
}

// SetRisk stores v clamped to [0,100] and returns the previous value.
func (t *Telemetry) SetRisk(v int) int {
	old := int(t.risk.Swap(clamp(int64(v))))
	t.afterRiskChange(old, t.CurrentRisk())
	return old
}

// OnRiskChange registers a listener called after every change of the score.
// Listeners run on the caller's goroutine and must not block.
func (t *Telemetry) OnRiskChange(fn RiskListener) {
	if fn == nil {
		return
	}
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

func (t *Telemetry) afterRiskChange(oldRisk, newRisk int) {
	if oldRisk == newRisk {
		return
	}
	t.updateCircuit(newRisk)

	t.listenersMu.RLock()
	listeners := append([]RiskListener(nil), t.listeners...)
	t.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(oldRisk, newRisk)
	}
}

// CircuitOpen reports whether the circuit breaker is open.
func (t *Telemetry) CircuitOpen() bool {
	return t.circuitOpen.Load()
}

func (t *Telemetry) updateCircuit(risk int) {
	switch {
	case risk >= CircuitOpenThreshold:
		if t.circuitOpen.CompareAndSwap(false, true) {
			t.counters.inc(CircuitOpens)
			t.RecordEvent(EventCircuitOpen, fmt.Sprintf("risk=%d", risk))
			t.logger.Warn("Circuit breaker opened", "risk", risk)
		}
	case risk <= CircuitCloseThreshold:
		if t.circuitOpen.CompareAndSwap(true, false) {
			t.RecordEvent(EventCircuitClose, fmt.Sprintf("risk=%d", risk))
			t.logger.Info("Circuit breaker closed", "risk", risk)
		}
	}
}

// Inc increments counter c.
func (t *Telemetry) Inc(c Counter) {
	t.counters.inc(c)
}

// Count returns the current value of counter c.
func (t *Telemetry) Count(c Counter) uint64 {
	return t.counters.get(c)
}

// RecordEvent appends an event to the ring. When the memory guard runs in
// auto mode it may shed old events afterwards.
func (t *Telemetry) RecordEvent(kind, detail string) {
	t.events.add(Event{TS: t.now().UnixMilli(), Kind: kind, Detail: detail})
	if t.memAuto.Load() {
		t.TryMemoryPurge(false)
	}
}

// Events returns the event ring, oldest first.
func (t *Telemetry) Events() []Event {
	return t.events.list()
}

// RecordSignature counts a signature outcome for path.
func (t *Telemetry) RecordSignature(path string, ok bool) {
	if ok {
		t.counters.inc(SignatureOK)
	} else {
		t.counters.inc(SignatureErr)
	}
	t.paths.record(path, ok, t.now().UnixMilli())
}

// PathStat returns the signature statistics for path.
func (t *Telemetry) PathStat(path string) PathStat {
	return t.paths.get(path)
}

// PathStats returns all signature statistics sorted by error count.
func (t *Telemetry) PathStats() []PathStat {
	return t.paths.list()
}

// MemoryStatus describes the event memory guard.
type MemoryStatus struct {
	LimitBytes     int64 `json:"limit_bytes"`
	Auto           bool  `json:"auto"`
	EstimatedBytes int64 `json:"estimated_bytes"`
	Events         int   `json:"events"`
}

// SetMemoryLimit configures the memory guard. A zero limit disables
// threshold-based purging.
func (t *Telemetry) SetMemoryLimit(limitBytes int64, auto bool) MemoryStatus {
	t.memLimit.Store(max(0, limitBytes))
	t.memAuto.Store(auto)
	return t.MemoryStatus()
}

// MemoryStatus returns the memory guard state.
func (t *Telemetry) MemoryStatus() MemoryStatus {
	n := t.events.len()
	return MemoryStatus{
		LimitBytes:     t.memLimit.Load(),
		Auto:           t.memAuto.Load(),
		EstimatedBytes: int64(n) * estimatedEventBytes,
		Events:         n,
	}
}

// TryMemoryPurge drops the oldest half of the event ring when force is set
// or the estimated footprint exceeds the limit. It returns the number of
// events dropped.
func (t *Telemetry) TryMemoryPurge(force bool) int {
	limit := t.memLimit.Load()
	estimate := int64(t.events.len()) * estimatedEventBytes
	if !force && (limit <= 0 || estimate <= limit) {
		return 0
	}

	dropped := t.events.dropOldestHalf()
	if dropped > 0 {
		t.events.add(Event{TS: t.now().UnixMilli(), Kind: EventMemoryPurge, Detail: fmt.Sprintf("dropped=%d", dropped)})
		t.logger.Info("Telemetry events purged", "dropped", dropped, "limit_bytes", limit)
	}
	return dropped
}

// Snapshot is the JSON view served on the metrics endpoint.
type Snapshot struct {
	Counters      map[string]uint64 `json:"counters"`
	Risk          int               `json:"risk"`
	CircuitOpen   bool              `json:"circuit_open"`
	Events        int               `json:"events"`
	EWMARate      float64           `json:"ewma_rps"`
	UniqueClients int               `json:"unique_clients"`
	Memory        MemoryStatus      `json:"memory"`
}

// Snapshot returns a point-in-time copy of counters and risk state.
func (t *Telemetry) Snapshot() Snapshot {
	ewma, uniques := t.observer.stats()
	return Snapshot{
		Counters:      t.counters.snapshot(),
		Risk:          t.CurrentRisk(),
		CircuitOpen:   t.CircuitOpen(),
		Events:        t.events.len(),
		EWMARate:      ewma,
		UniqueClients: uniques,
		Memory:        t.MemoryStatus(),
	}
}

func clamp(v int64) int64 {
	return max(0, min(100, v))
}
