package security

import (
	"testing"
	"time"
)

func TestRegistrationLimiter_SlidingWindow(t *testing.T) {
	clock := newManualClock()
	rl := NewRegistrationLimiter(3, time.Hour, nil)
	rl.SetClock(clock.Now)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("registration %d should be allowed", i+1)
		}
		clock.Advance(10 * time.Minute)
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("fourth registration within the hour should be blocked")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other IPs are unaffected")
	}

	// The first hit leaves the window 60 minutes after it was recorded.
	clock.Advance(31 * time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Error("registration should be allowed once the oldest hit expires")
	}

	stats := rl.GetStats()
	if stats.TotalBlocked != 1 {
		t.Errorf("TotalBlocked = %d, want 1", stats.TotalBlocked)
	}
	if stats.TotalAllowed != 5 {
		t.Errorf("TotalAllowed = %d, want 5", stats.TotalAllowed)
	}
}

func TestRegistrationLimiter_Defaults(t *testing.T) {
	rl := NewRegistrationLimiter(0, 0, nil)
	stats := rl.GetStats()
	if stats.MaxPerWindow != DefaultMaxRegistrationsPerHour {
		t.Errorf("MaxPerWindow = %d", stats.MaxPerWindow)
	}
	if stats.Window != DefaultRegistrationWindow.String() {
		t.Errorf("Window = %s", stats.Window)
	}
}

func TestRegistrationLimiter_Cleanup(t *testing.T) {
	clock := newManualClock()
	rl := NewRegistrationLimiter(5, time.Minute, nil)
	rl.SetClock(clock.Now)

	rl.Allow("old")
	clock.Advance(90 * time.Second)
	rl.Allow("recent")
	clock.Advance(45 * time.Second)

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if got := rl.GetStats().CurrentEntries; got != 1 {
		t.Errorf("CurrentEntries = %d, want 1", got)
	}
}
