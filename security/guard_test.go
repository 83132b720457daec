package security

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type riskValue struct {
	mu sync.Mutex
	v  int
}

func (r *riskValue) CurrentRisk() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.v
}

func (r *riskValue) set(v int) {
	r.mu.Lock()
	r.v = v
	r.mu.Unlock()
}

type recordedEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (e *recordedEvents) RecordEvent(kind, _ string) {
	e.mu.Lock()
	e.kinds = append(e.kinds, kind)
	e.mu.Unlock()
}

func (e *recordedEvents) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

func TestGuardConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GuardConfig)
		wantErr bool
	}{
		{name: "default", mutate: func(*GuardConfig) {}},
		{name: "relative path", mutate: func(g *GuardConfig) { g.Path = "webhook" }, wantErr: true},
		{name: "unknown algorithm", mutate: func(g *GuardConfig) { g.Algorithm = "md5" }, wantErr: true},
		{name: "hmac without key", mutate: func(g *GuardConfig) { g.KeyID = "" }, wantErr: true},
		{name: "zero window", mutate: func(g *GuardConfig) { g.TimestampWindowMs = 0 }, wantErr: true},
		{name: "oauth2 without key", mutate: func(g *GuardConfig) { g.Algorithm = AlgOAuth2; g.KeyID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := DefaultGuardConfig("/webhook/in")
			tt.mutate(&g)
			if err := g.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuardRegistry_TierEnforcement(t *testing.T) {
	r := NewGuardRegistry(nil, nil, nil)

	tests := []struct {
		path       string
		window     int64
		wantWindow int64
	}{
		{path: "/keys/create", window: 600_000, wantWindow: 120_000},
		{path: "/keys/rotate", window: 90_000, wantWindow: 90_000},
		{path: "/alerts/set", window: 600_000, wantWindow: 180_000},
		{path: "/metrics", window: 30_000, wantWindow: 60_000},
		{path: "/events", window: 600_000, wantWindow: 60_000},
		{path: "/webhook/custom", window: 600_000, wantWindow: 600_000},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			g := DefaultGuardConfig(tt.path)
			g.TimestampWindowMs = tt.window
			g.AntiReplay = false
			g.Required = false

			got, err := r.Set(g)
			if err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if got.TimestampWindowMs != tt.wantWindow {
				t.Errorf("window = %d, want %d", got.TimestampWindowMs, tt.wantWindow)
			}
			if !got.AntiReplay {
				t.Error("anti-replay should always be enabled")
			}
		})
	}

	keys, _ := r.Get("/keys/create")
	if !keys.Required {
		t.Error("tiered operator path must be required")
	}
}

func TestGuardRegistry_Resolve(t *testing.T) {
	r := NewGuardRegistry(nil, nil, nil)
	r.InstallBuiltins("ops")

	if got := len(r.List()); got != 3 {
		t.Fatalf("builtins = %d, want 3", got)
	}

	g, ok := r.Resolve(DefaultGuardPath)
	if !ok || g.KeyID != "ops" {
		t.Errorf("Resolve(webhook) = %+v, %v", g, ok)
	}

	g, ok = r.Resolve("/clients/register")
	if !ok || !g.Required || g.TimestampWindowMs != 120_000 {
		t.Errorf("signed prefix should resolve to a tiered default: %+v, %v", g, ok)
	}

	if _, ok := r.Resolve("/oauth2/token"); ok {
		t.Error("unguarded path should not resolve")
	}

	if !r.Disable(DefaultGuardPath) {
		t.Fatal("Disable() = false")
	}
	if _, ok := r.Resolve(DefaultGuardPath); ok {
		t.Error("disabled guard should not resolve")
	}
	if r.Disable(DefaultGuardPath) {
		t.Error("second Disable() should report false")
	}
}

func TestGuardRegistry_TightenAndRelax(t *testing.T) {
	risk := &riskValue{}
	events := &recordedEvents{}
	r := NewGuardRegistry(risk, events, nil)
	if _, err := r.Set(DefaultGuardConfig("/webhook/in")); err != nil {
		t.Fatal(err)
	}

	if _, changed := r.Tighten("/webhook/in", 0.1, 10); changed {
		t.Fatal("low risk and low error ratio should not tighten")
	}

	g, changed := r.Tighten("/webhook/in", 0.5, 10)
	if !changed || g.TimestampWindowMs != 150_000 {
		t.Fatalf("Tighten() = %d, %v; want 150000, true", g.TimestampWindowMs, changed)
	}

	risk.set(90)
	for i := 0; i < 5; i++ {
		g, _ = r.Tighten("/webhook/in", 0, 0)
	}
	if g.TimestampWindowMs != MinGuardWindowMs {
		t.Errorf("window = %d, want floor %d", g.TimestampWindowMs, MinGuardWindowMs)
	}

	if _, relaxed := r.RelaxIfSafe("/webhook/in"); relaxed {
		t.Error("should not relax while risk is high")
	}

	risk.set(RelaxRiskThreshold)
	g, relaxed := r.RelaxIfSafe("/webhook/in")
	if !relaxed || g.TimestampWindowMs != DefaultGuardWindowMs || !g.Required {
		t.Errorf("RelaxIfSafe() = %+v, %v", g, relaxed)
	}
	if _, relaxed := r.RelaxIfSafe("/webhook/in"); relaxed {
		t.Error("guard already at baseline")
	}

	kinds := events.list()
	if len(kinds) == 0 || kinds[0] != EventGuardTightened || kinds[len(kinds)-1] != EventGuardRelaxed {
		t.Errorf("events = %v", kinds)
	}
}

func TestGuardRegistry_TightenUnconfiguredPath(t *testing.T) {
	risk := &riskValue{v: 80}
	r := NewGuardRegistry(risk, nil, nil)

	g, changed := r.Tighten("/policy/set", 0, 1)
	if !changed {
		t.Fatal("tightening an unguarded path should install a guard")
	}
	if g.TimestampWindowMs != 60_000 {
		t.Errorf("window = %d, want 60000", g.TimestampWindowMs)
	}
	if _, ok := r.Get("/policy/set"); !ok {
		t.Error("guard should now be registered")
	}
}
