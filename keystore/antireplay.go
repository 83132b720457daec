package keystore

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	// DefaultReplayCapacity is the number of nonces remembered per key.
	DefaultReplayCapacity = 1024

	// DefaultReplayWindow is how long a nonce stays remembered.
	DefaultReplayWindow = 300 * time.Second

	// MinReplayCapacity and MinReplayWindow are the lower clamps applied to configured values.
	MinReplayCapacity = 16
	MinReplayWindow   = time.Second
)

// ReplayParams bounds every anti-replay window.
type ReplayParams struct {
	Capacity int           `json:"capacity"`
	Window   time.Duration `json:"window"`
}

// Clamp returns p with values raised to the minimums.
func (p ReplayParams) Clamp() ReplayParams {
	if p.Capacity < MinReplayCapacity {
		p.Capacity = MinReplayCapacity
	}
	if p.Window < MinReplayWindow {
		p.Window = MinReplayWindow
	}
	return p
}

// DefaultReplayParams returns the stock capacity and window.
func DefaultReplayParams() ReplayParams {
	return ReplayParams{Capacity: DefaultReplayCapacity, Window: DefaultReplayWindow}
}

type nonceEntry struct {
	hash uint64
	ts   int64 // unix milliseconds
}

// ReplayGuard keeps one bounded, time-ordered nonce window per key id.
// Windows are created on first use and do not depend on the key existing.
type ReplayGuard struct {
	mu      sync.Mutex
	windows map[string][]nonceEntry
	params  ReplayParams
}

// NewReplayGuard creates a guard with clamped parameters.
func NewReplayGuard(params ReplayParams) *ReplayGuard {
	return &ReplayGuard{
		windows: make(map[string][]nonceEntry),
		params:  params.Clamp(),
	}
}

// Params returns the active parameters.
func (g *ReplayGuard) Params() ReplayParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params
}

// SetParams replaces the parameters and returns the clamped values in effect.
func (g *ReplayGuard) SetParams(p ReplayParams) ReplayParams {
	p = p.Clamp()
	g.mu.Lock()
	g.params = p
	g.mu.Unlock()
	return p
}

// CheckAndMark records nonce for keyID at tsMs. It returns ErrDuplicateNonce
// when the same nonce is still inside the window. Check and insert happen
// under one lock so two concurrent callers cannot both succeed.
func (g *ReplayGuard) CheckAndMark(keyID, nonce string, tsMs int64) error {
	if keyID == "" || nonce == "" {
		return fmt.Errorf("%w: key id and nonce are required", ErrInvalidParameter)
	}
	h := hashNonce(nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.params.Window.Milliseconds()
	entries := pruneOlder(g.windows[keyID], tsMs, window)

	for _, e := range entries {
		if e.hash == h {
			g.windows[keyID] = entries
			return ErrDuplicateNonce
		}
	}

	entries = append(entries, nonceEntry{hash: h, ts: tsMs})
	if over := len(entries) - g.params.Capacity; over > 0 {
		entries = entries[over:]
	}
	g.windows[keyID] = entries
	return nil
}

// Purge evicts stale entries from every window relative to now and returns
// the number of entries removed. Empty windows are dropped.
func (g *ReplayGuard) Purge(now time.Time) int {
	nowMs := now.UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.params.Window.Milliseconds()
	removed := 0
	for id, entries := range g.windows {
		before := len(entries)
		entries = pruneOlder(entries, nowMs, window)
		if over := len(entries) - g.params.Capacity; over > 0 {
			entries = entries[over:]
		}
		removed += before - len(entries)
		if len(entries) == 0 {
			delete(g.windows, id)
			continue
		}
		g.windows[id] = entries
	}
	return removed
}

// Counts returns the number of tracked key windows and total nonce entries.
func (g *ReplayGuard) Counts() (keys, entries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.windows {
		entries += len(w)
	}
	return len(g.windows), entries
}

// pruneOlder drops leading entries older than window relative to ts. The
// result is copied when the backing array has shed more than half its length.
func pruneOlder(entries []nonceEntry, ts, window int64) []nonceEntry {
	i := 0
	for i < len(entries) && ts-entries[i].ts > window {
		i++
	}
	if i == 0 {
		return entries
	}
	rest := entries[i:]
	if i > len(rest) {
		return append([]nonceEntry(nil), rest...)
	}
	return rest
}

func hashNonce(nonce string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(nonce))
	return h.Sum64()
}
