package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/edgeguard/internal/testutil"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
	"github.com/giantswarm/edgeguard/storage"
	"github.com/giantswarm/edgeguard/storage/memory"
)

// clearConfigEnv unsets all EDGEGUARD_ variables so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, EnvPrefix) {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(writeEnvFile(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.GuardKeyID != "auth_hmac" {
		t.Errorf("GuardKeyID = %q, want auth_hmac", cfg.GuardKeyID)
	}
	if cfg.ReplayWindow != 5*time.Minute {
		t.Errorf("ReplayWindow = %v, want 5m", cfg.ReplayWindow)
	}
	if cfg.ReplayCapacity != 1024 {
		t.Errorf("ReplayCapacity = %d, want 1024", cfg.ReplayCapacity)
	}
	if !cfg.AuditLogging || !cfg.MetricsEnabled {
		t.Errorf("AuditLogging = %v, MetricsEnabled = %v, want both true", cfg.AuditLogging, cfg.MetricsEnabled)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("EDGEGUARD_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("EDGEGUARD_RATE_LIMIT", "5.5")
	t.Setenv("EDGEGUARD_REPLAY_WINDOW", "90s")
	t.Setenv("EDGEGUARD_TRUST_PROXY", "true")

	cfg, err := Load(writeEnvFile(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9000", cfg.ListenAddr)
	}
	if cfg.RateLimit != 5.5 {
		t.Errorf("RateLimit = %v, want 5.5", cfg.RateLimit)
	}
	if cfg.ReplayWindow != 90*time.Second {
		t.Errorf("ReplayWindow = %v, want 90s", cfg.ReplayWindow)
	}
	if !cfg.TrustProxy {
		t.Error("TrustProxy = false, want true")
	}
}

func TestLoad_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("EDGEGUARD_LOG_LEVEL", "debug")

	path := writeEnvFile(t, "EDGEGUARD_LOG_LEVEL=error\nEDGEGUARD_LOG_FORMAT=json\n")
	t.Cleanup(func() {
		os.Unsetenv("EDGEGUARD_LOG_FORMAT")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoad_MissingEnvFile(t *testing.T) {
	clearConfigEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("Load() error = nil, want error for missing file")
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"guard key hex", "EDGEGUARD_GUARD_KEY_HEX", "zz", "GUARD_KEY_HEX"},
		{"guard key short", "EDGEGUARD_GUARD_KEY_HEX", "0011", "at least 32 bytes"},
		{"sealing key", "EDGEGUARD_SEALING_KEY_HEX", "00", "SEALING_KEY_HEX"},
		{"proxy count", "EDGEGUARD_TRUSTED_PROXY_COUNT", "-1", "TRUSTED_PROXY_COUNT"},
		{"duration", "EDGEGUARD_REPLAY_WINDOW", "soon", "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load(writeEnvFile(t, ""))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestGatewayConfig(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("EDGEGUARD_SEALING_KEY_HEX", strings.Repeat("ab", 32))
	t.Setenv("EDGEGUARD_MAX_REGISTRATIONS_PER_HOUR", "3")

	cfg, err := Load(writeEnvFile(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	b, err := ParseBootstrap([]byte("guards:\n  - path: /hooks/a\npolicy:\n  denied_path_prefixes: [/internal]\n"))
	if err != nil {
		t.Fatalf("ParseBootstrap() error = %v", err)
	}

	gc, err := cfg.GatewayConfig(testutil.DiscardLogger(), "1.2.3", b)
	if err != nil {
		t.Fatalf("GatewayConfig() error = %v", err)
	}
	if len(gc.Security.SealingKey) != 32 {
		t.Errorf("len(SealingKey) = %d, want 32", len(gc.Security.SealingKey))
	}
	if gc.Security.MaxRegistrationsPerHour != 3 {
		t.Errorf("MaxRegistrationsPerHour = %d, want 3", gc.Security.MaxRegistrationsPerHour)
	}
	if gc.Instrumentation.ServiceVersion != "1.2.3" {
		t.Errorf("ServiceVersion = %q, want 1.2.3", gc.Instrumentation.ServiceVersion)
	}
	if len(gc.Security.Guards) != 1 {
		t.Fatalf("len(Guards) = %d, want 1", len(gc.Security.Guards))
	}
	if gc.Security.Guards[0].Algorithm != security.AlgHMACSHA512 {
		t.Errorf("Algorithm = %q, want %q", gc.Security.Guards[0].Algorithm, security.AlgHMACSHA512)
	}
	if gc.Security.InboundPolicy == nil {
		t.Fatal("InboundPolicy = nil")
	}
	if got := gc.Security.InboundPolicy.DeniedPathPrefixes; !slices.Equal(got, []string{"/internal"}) {
		t.Errorf("DeniedPathPrefixes = %v, want [/internal]", got)
	}
}

func TestParseBootstrap(t *testing.T) {
	t.Setenv("BILLING_SECRET", "s3cr3t-from-env")

	doc := `
guards:
  - path: /hooks/partner
    algorithm: hmac-sha512
    key_id: partner
    required: true
    timestamp_window_ms: 60000
    anti_replay: true
clients:
  - client_id: billing
    client_name: Billing
    client_type: service
    scopes: [read]
    secret: ${BILLING_SECRET}
  - client_id: portal
    client_type: web
    redirect_uris: [https://portal.example.com/cb]
`
	b, err := ParseBootstrap([]byte(doc))
	if err != nil {
		t.Fatalf("ParseBootstrap() error = %v", err)
	}
	if b.Policy != nil {
		t.Errorf("Policy = %+v, want nil", b.Policy)
	}
	if len(b.Guards) != 1 {
		t.Fatalf("len(Guards) = %d, want 1", len(b.Guards))
	}
	if g := b.Guards[0]; g.KeyID != "partner" || g.TimestampWindowMs != 60000 {
		t.Errorf("guard = %+v, want partner with 60000ms window", g)
	}
	if len(b.Clients) != 2 {
		t.Fatalf("len(Clients) = %d, want 2", len(b.Clients))
	}
	if b.Clients[0].Secret != "s3cr3t-from-env" {
		t.Errorf("Secret = %q, want expanded environment value", b.Clients[0].Secret)
	}
	if b.Clients[0].ClientType != storage.ClientTypeService {
		t.Errorf("ClientType = %q, want %q", b.Clients[0].ClientType, storage.ClientTypeService)
	}
}

func TestParseBootstrap_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "guardz: []\n"},
		{"guard without path", "guards:\n  - required: true\n"},
		{"bad algorithm", "guards:\n  - path: /x\n    algorithm: rsa\n"},
		{"bad policy", "policy:\n  limits:\n    max_body_bytes: -1\n"},
		{"client without id", "clients:\n  - client_type: web\n"},
		{"duplicate client", "clients:\n  - {client_id: a, client_type: web}\n  - {client_id: a, client_type: web}\n"},
		{"client type", "clients:\n  - {client_id: a, client_type: toaster}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBootstrap([]byte(tt.doc)); err == nil {
				t.Error("ParseBootstrap() error = nil, want error")
			}
		})
	}
}

func TestParseBootstrap_Empty(t *testing.T) {
	b, err := ParseBootstrap(nil)
	if err != nil {
		t.Fatalf("ParseBootstrap() error = %v", err)
	}
	if len(b.Guards) != 0 || len(b.Clients) != 0 {
		t.Errorf("ParseBootstrap(nil) = %d guards, %d clients, want none", len(b.Guards), len(b.Clients))
	}
}

func TestBootstrap_RegisterClients(t *testing.T) {
	store := memory.New()
	srv, err := server.New(store, store, &server.Config{BcryptCost: 4}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	b, err := ParseBootstrap([]byte("clients:\n  - {client_id: billing, client_type: service, secret: billing-secret-123}\n"))
	if err != nil {
		t.Fatalf("ParseBootstrap() error = %v", err)
	}

	ctx := context.Background()
	if err := b.RegisterClients(ctx, srv, testutil.DiscardLogger()); err != nil {
		t.Fatalf("RegisterClients() error = %v", err)
	}
	// Idempotent on restart.
	if err := b.RegisterClients(ctx, srv, testutil.DiscardLogger()); err != nil {
		t.Fatalf("second RegisterClients() error = %v", err)
	}

	client, err := srv.ValidateClient(ctx, "billing", "billing-secret-123")
	if err != nil {
		t.Fatalf("ValidateClient() error = %v", err)
	}
	if client.ClientType != storage.ClientTypeService {
		t.Errorf("ClientType = %q, want %q", client.ClientType, storage.ClientTypeService)
	}
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}
	return path
}
