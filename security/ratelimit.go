package security

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitEntries bounds the number of tracked addresses.
	DefaultRateLimitEntries = 10_000

	// DefaultRateLimitIdle is how long an address may stay idle before cleanup drops it.
	DefaultRateLimitIdle = 30 * time.Minute

	defaultRateLimitCleanup = 5 * time.Minute
)

type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-identifier token bucket. Identifiers are kept in an
// LRU list; when MaxEntries is reached the least recently used one is
// evicted.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lruList    *list.List
	rate       rate.Limit
	burst      int
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger

	totalEvictions int64
	totalCleanups  int64
	totalDenied    int64
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterClock overrides the clock used for token refill.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithMaxEntries overrides DefaultRateLimitEntries. Zero means unlimited.
func WithMaxEntries(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n >= 0 {
			rl.maxEntries = n
		}
	}
}

// NewRateLimiter allows requestsPerSecond per identifier with the given burst.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger, opts ...RateLimiterOption) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lruList:    list.New(),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: DefaultRateLimitEntries,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	ok, _ := rl.Reserve(identifier)
	return ok
}

// Reserve reports whether identifier may proceed and, if not, how long it
// should wait before retrying.
func (rl *RateLimiter) Reserve(identifier string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry := rl.entryLocked(identifier, now)
	if entry.limiter.AllowN(now, 1) {
		return true, 0
	}

	rl.totalDenied++
	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	if delay < time.Second {
		delay = time.Second
	}
	return false, delay
}

func (rl *RateLimiter) entryLocked(identifier string, now time.Time) *rateLimiterEntry {
	if elem, ok := rl.limiters[identifier]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)
	return entry
}

// evictLRU must be called with the mutex held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// Run drops idle identifiers every few minutes until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(defaultRateLimitCleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Cleanup(DefaultRateLimitIdle)
		}
	}
}

// Cleanup removes identifiers idle for longer than maxIdleTime and returns
// how many were removed.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// The list is ordered by recency, so walk from the back.
	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdleTime {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
	return removed
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     `json:"current_entries"`
	MaxEntries     int     `json:"max_entries"`
	TotalEvictions int64   `json:"total_evictions"`
	TotalCleanups  int64   `json:"total_cleanups"`
	TotalDenied    int64   `json:"total_denied"`
	MemoryPressure float64 `json:"memory_pressure"`
}

// GetStats returns current rate limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		TotalDenied:    rl.totalDenied,
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
