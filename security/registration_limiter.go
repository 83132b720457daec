package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour is the default limit for client registrations per IP per hour
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the default sliding window
	DefaultRegistrationWindow = time.Hour

	// DefaultMaxRegistrationEntries is the maximum number of IPs to track
	DefaultMaxRegistrationEntries = 10_000
)

type registrationEntry struct {
	ip         string
	hits       []time.Time
	lastAccess time.Time
}

// RegistrationLimiter counts client registrations per IP over a sliding
// window. Tracked IPs are bounded with LRU eviction.
type RegistrationLimiter struct {
	mu           sync.Mutex
	entries      map[string]*list.Element
	lruList      *list.List
	maxPerWindow int
	window       time.Duration
	maxEntries   int
	now          func() time.Time
	logger       *slog.Logger

	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
}

// NewRegistrationLimiter creates a limiter. Non-positive arguments fall back
// to the defaults.
func NewRegistrationLimiter(maxPerWindow int, window time.Duration, logger *slog.Logger) *RegistrationLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	return &RegistrationLimiter{
		entries:      make(map[string]*list.Element),
		lruList:      list.New(),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxEntries:   DefaultMaxRegistrationEntries,
		now:          time.Now,
		logger:       logger,
	}
}

// SetClock overrides the clock. Intended for tests.
func (rl *RegistrationLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	rl.now = now
	rl.mu.Unlock()
}

// Allow records a registration attempt from ip and reports whether it is
// within the limit. Rejected attempts are not counted.
func (rl *RegistrationLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	var entry *registrationEntry
	if elem, ok := rl.entries[ip]; ok {
		rl.lruList.MoveToFront(elem)
		entry = elem.Value.(*registrationEntry)
	} else {
		if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry = &registrationEntry{ip: ip}
		rl.entries[ip] = rl.lruList.PushFront(entry)
	}
	entry.lastAccess = now

	n := 0
	for _, t := range entry.hits {
		if t.After(windowStart) {
			entry.hits[n] = t
			n++
		}
	}
	entry.hits = entry.hits[:n]

	if len(entry.hits) >= rl.maxPerWindow {
		rl.totalBlocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"registrations_in_window", len(entry.hits),
			"max_per_window", rl.maxPerWindow,
			"window", rl.window)
		return false
	}

	entry.hits = append(entry.hits, now)
	rl.totalAllowed++
	return true
}

func (rl *RegistrationLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++
}

// Cleanup drops IPs idle for more than twice the window.
func (rl *RegistrationLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-2 * rl.window)
	removed := 0
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*registrationEntry)
		if !entry.lastAccess.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.ip)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}
	return removed
}

// Run calls Cleanup every quarter window until ctx is done.
func (rl *RegistrationLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(rl.window/4, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				rl.logger.Debug("Registration limiter cleanup completed", "removed", n)
			}
		}
	}
}

// RegistrationStats holds registration limiter statistics
type RegistrationStats struct {
	CurrentEntries int    `json:"current_entries"`
	TotalBlocked   int64  `json:"total_blocked"`
	TotalAllowed   int64  `json:"total_allowed"`
	TotalEvictions int64  `json:"total_evictions"`
	MaxPerWindow   int    `json:"max_per_window"`
	Window         string `json:"window"`
}

// GetStats returns current statistics.
func (rl *RegistrationLimiter) GetStats() RegistrationStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RegistrationStats{
		CurrentEntries: len(rl.entries),
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		MaxPerWindow:   rl.maxPerWindow,
		Window:         rl.window.String(),
	}
}
