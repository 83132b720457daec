package security

import "time"

const (
	// DefaultTimestampWindow is the default tolerance between a signed
	// request's timestamp and the server clock.
	DefaultTimestampWindow = 5 * time.Minute

	// MinTimestampWindow is the floor applied when a guard is tightened.
	MinTimestampWindow = time.Minute
)

// WithinWindow reports whether tsMs lies within windowMs of now in either
// direction. A non-positive window accepts nothing.
func WithinWindow(now time.Time, tsMs, windowMs int64) bool {
	if windowMs <= 0 {
		return false
	}
	diff := now.UnixMilli() - tsMs
	if diff < 0 {
		diff = -diff
	}
	return diff <= windowMs
}

// IsExpired reports whether expiresAt has passed at now. A zero expiry never expires.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt)
}
