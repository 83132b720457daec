package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestNewAuditor_NilLogger(t *testing.T) {
	a := NewAuditor(nil, true)
	if a.logger == nil {
		t.Fatal("logger should default to slog.Default()")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newBufferedAuditor(tt.enabled)
			a.LogEvent(Event{Type: EventKeyCreated, KeyID: "auth_hmac"})

			got := buf.Len() > 0
			if got != tt.wantLog {
				t.Fatalf("logged = %v, want %v", got, tt.wantLog)
			}
			if tt.wantLog && !strings.Contains(buf.String(), "key_id=auth_hmac") {
				t.Errorf("log line missing key id: %s", buf.String())
			}
		})
	}
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var a *Auditor
	a.LogEvent(Event{Type: EventAuthFailure})
}

func TestAuditor_HashesUserID(t *testing.T) {
	a, buf := newBufferedAuditor(true)
	a.LogTokenIssued("alice@example.com", "client-1", "10.0.0.1", "access_token", "read")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Fatalf("raw user id leaked into log: %s", out)
	}
	if !strings.Contains(out, "user_id_hash="+hashForLogging("alice@example.com")) {
		t.Errorf("expected hashed user id in %s", out)
	}
}

func TestAuditor_Helpers(t *testing.T) {
	tests := []struct {
		name     string
		log      func(a *Auditor)
		wantType string
	}{
		{
			name:     "signature failure",
			log:      func(a *Auditor) { a.LogSignatureFailure("/webhook/in", "auth_hmac", "1.2.3.4", "timestamp", "outside window") },
			wantType: EventSignatureFailed,
		},
		{
			name:     "inspection blocked",
			log:      func(a *Auditor) { a.LogInspectionBlocked("/admin", "1.2.3.4", ReasonPathDenied, "abcd") },
			wantType: EventInspectionBlocked,
		},
		{
			name:     "guard tightened",
			log:      func(a *Auditor) { a.LogGuardTightened("/webhook/in", 150000, 80) },
			wantType: EventGuardTightened,
		},
		{
			name:     "key event",
			log:      func(a *Auditor) { a.LogKeyEvent(EventKeyRotated, "k1", "", map[string]any{"version": 2}) },
			wantType: EventKeyRotated,
		},
		{
			name:     "token refreshed",
			log:      func(a *Auditor) { a.LogTokenRefreshed("u", "c", "", "s") },
			wantType: EventTokenRefreshed,
		},
		{
			name:     "token revoked",
			log:      func(a *Auditor) { a.LogTokenRevoked("u", "c", "", "refresh_token") },
			wantType: EventTokenRevoked,
		},
		{
			name:     "auth failure",
			log:      func(a *Auditor) { a.LogAuthFailure("", "c", "1.1.1.1", "bad secret") },
			wantType: EventAuthFailure,
		},
		{
			name:     "rate limit",
			log:      func(a *Auditor) { a.LogRateLimitExceeded("1.1.1.1", "", "ip") },
			wantType: EventRateLimitExceeded,
		},
		{
			name:     "client registered",
			log:      func(a *Auditor) { a.LogClientRegistered("c", "web", "1.1.1.1") },
			wantType: EventClientRegistered,
		},
		{
			name:     "policy adapted",
			log:      func(a *Auditor) { a.LogPolicyAdapted("c", "u", "tighten", 0.8, []string{"reduce_rate_limits"}) },
			wantType: EventClientPolicyAdapted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newBufferedAuditor(true)
			tt.log(a)
			if !strings.Contains(buf.String(), "event_type="+tt.wantType) {
				t.Errorf("expected event_type=%s in %s", tt.wantType, buf.String())
			}
		})
	}
}

func Test_hashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	h1 := hashForLogging("user-1")
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
	if h1 != hashForLogging("user-1") {
		t.Error("hash should be deterministic")
	}
	if h1 == hashForLogging("user-2") {
		t.Error("different inputs should hash differently")
	}
}
