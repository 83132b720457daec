package telemetry

import "sync"

// DefaultEventCapacity is the number of events kept in the ring.
const DefaultEventCapacity = 1024

// Event is one entry in the event ring.
type Event struct {
	TS     int64  `json:"ts"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Event kinds recorded by the gateway.
const (
	EventGuardTighten = "guard_tighten"
	EventGuardRelax   = "guard_relax"
	EventCircuitOpen  = "circuit_open"
	EventCircuitClose = "circuit_close"
	EventMemoryPurge  = "mem_purge"
	EventRiskAlert    = "risk_alert"
	EventKeyRotation  = "key_rotation"
	EventReplayPurge  = "anti_replay_purge"
	EventPolicyUpdate = "policy_update"
	EventAdaptation   = "oauth2_adaptation"
)

// eventLog is a bounded FIFO of events, oldest first.
type eventLog struct {
	mu       sync.Mutex
	events   []Event
	capacity int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &eventLog{capacity: capacity}
}

func (l *eventLog) add(e Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}
	return len(l.events)
}

func (l *eventLog) list() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// dropOldestHalf removes the older half of the ring and returns the count removed.
func (l *eventLog) dropOldestHalf() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.events) / 2
	if n == 0 {
		return 0
	}
	l.events = append(l.events[:0], l.events[n:]...)
	return n
}
