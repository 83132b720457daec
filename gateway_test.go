package edgeguard

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/edgeguard/internal/testutil"
	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/telemetry"
)

const testGuardKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f" +
	"202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f"

// testEnv is a gateway on a mock clock. Every request advances the clock
// so the request-rate average stays calm.
type testEnv struct {
	t       *testing.T
	gw      *Gateway
	handler http.Handler
	clock   *testutil.MockTime
	secret  []byte
	nonces  int
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.UnixMilli(1_700_000_000_000))
	config := &Config{
		Logger: testutil.DiscardLogger(),
		Random: keystore.NewInsecureDeterministicProvider(42),
		Clock:  clock.Now,
		Security: SecurityConfig{
			GuardKeyHex:      testGuardKeyHex,
			AllowInsecureRNG: true,
		},
	}
	for _, fn := range mutate {
		fn(config)
	}

	gw, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	secret, err := hex.DecodeString(testGuardKeyHex)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}

	return &testEnv{t: t, gw: gw, handler: gw.Handler(), clock: clock, secret: secret}
}

// signed returns a request signed with the guard key and a fresh nonce.
func (e *testEnv) signed(method, target string) *testutil.HTTPRequest {
	e.nonces++
	return testutil.NewHTTPRequest(method, target).
		Signed(security.DefaultGuardKeyID, e.secret, e.clock.Now().UnixMilli(), fmt.Sprintf("nonce-%d", e.nonces))
}

func (e *testEnv) do(req *testutil.HTTPRequest) *httptest.ResponseRecorder {
	e.clock.Advance(2 * time.Second)
	return req.Do(e.handler)
}

// receiveWebhooks installs a receiver that counts deliveries.
func (e *testEnv) receiveWebhooks() func() int {
	var (
		mu    sync.Mutex
		count int
	)
	e.gw.SetWebhookReceiver(WebhookReceiverFunc(func(context.Context, http.Header, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}))
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("json.Unmarshal() error = %v; body: %s", err, rr.Body.String())
	}
	return v
}

func wantErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	if got := decodeJSON[ErrorResponse](t, rr).Error; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func hasEvent(events []telemetry.Event, kind string) bool {
	return slices.ContainsFunc(events, func(ev telemetry.Event) bool { return ev.Kind == kind })
}

func TestNew_RejectsInsecureRNGWithoutOverride(t *testing.T) {
	_, err := New(&Config{
		Logger: testutil.DiscardLogger(),
		Random: keystore.NewInsecureDeterministicProvider(1),
	})
	if err == nil {
		t.Fatal("New() expected error for insecure RNG")
	}
	if !strings.Contains(err.Error(), "AllowInsecureRNG") {
		t.Errorf("error = %q, want mention of AllowInsecureRNG", err)
	}
}

func TestNew_InstallsKeysAndBuiltinGuards(t *testing.T) {
	env := newTestEnv(t)

	meta, err := env.gw.Keys.Meta(security.DefaultGuardKeyID)
	if err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if meta.Version != 1 || meta.Length != 64 {
		t.Errorf("guard key = version %d length %d, want version 1 length 64", meta.Version, meta.Length)
	}

	if _, err := env.gw.Keys.Meta(env.gw.Server.Config.IDTokenKeyID); err != nil {
		t.Errorf("ID token key missing: %v", err)
	}

	paths := map[string]bool{}
	for _, g := range env.gw.Guards.List() {
		paths[g.Path] = true
	}
	for _, p := range []string{"/webhook/in", "/metrics", "/events"} {
		if !paths[p] {
			t.Errorf("missing builtin guard for %s", p)
		}
	}
}

func TestIngress_SignedRequestAndReplay(t *testing.T) {
	env := newTestEnv(t)

	req := env.signed(http.MethodGet, "/metrics")
	rr := env.do(req)
	wantStatus(t, rr, http.StatusOK)
	if rr.Header().Get(security.IntegrityHeader) == "" {
		t.Error("missing integrity fingerprint header")
	}

	snap := decodeJSON[telemetry.Snapshot](t, rr)
	if got := snap.Counters["sig_ok"]; got != 1 {
		t.Errorf("sig_ok = %d, want 1", got)
	}

	// Same headers, same nonce.
	rr = env.do(req)
	wantStatus(t, rr, http.StatusUnauthorized)
	wantErrorCode(t, rr, ErrorCodeInvalidSignature)
	if got := env.gw.Telemetry.Count(telemetry.SignatureErr); got != 1 {
		t.Errorf("sig_err = %d, want 1", got)
	}
}

func TestIngress_FutureTimestampDoesNotEvictNonces(t *testing.T) {
	env := newTestEnv(t)
	delivered := env.receiveWebhooks()

	captured := env.signed(http.MethodPost, "/webhook/in").WithJSON(`{"event":"ping"}`)
	wantStatus(t, env.do(captured), http.StatusOK)

	// A forged request stamped at the far edge of the window. It fails the
	// HMAC check but reaches anti-replay first.
	env.clock.Advance(10 * time.Second)
	forged := testutil.NewHTTPRequest(http.MethodPost, "/webhook/in").
		WithJSON(`{"event":"junk"}`).
		Signed(security.DefaultGuardKeyID, []byte("not-the-guard-key"),
			env.clock.Now().UnixMilli()+security.DefaultGuardWindowMs-1000, "nonce-forged")
	wantStatus(t, env.do(forged), http.StatusUnauthorized)

	rr := env.do(captured)
	wantStatus(t, rr, http.StatusUnauthorized)
	wantErrorCode(t, rr, ErrorCodeInvalidSignature)
	if got := delivered(); got != 1 {
		t.Errorf("webhook deliveries = %d, want 1", got)
	}
}

func TestIngress_OptionalGuardPassesFailedVerification(t *testing.T) {
	env := newTestEnv(t)
	delivered := env.receiveWebhooks()

	rr := env.do(env.signed(http.MethodPost, "/webhook/guard/set").WithForm("path=/webhook/in&required=0"))
	wantStatus(t, rr, http.StatusOK)
	errBefore := env.gw.Telemetry.Count(telemetry.SignatureErr)

	tests := []struct {
		name string
		req  *testutil.HTTPRequest
	}{
		{
			name: "wrong key",
			req: testutil.NewHTTPRequest(http.MethodPost, "/webhook/in").WithJSON(`{}`).
				Signed(security.DefaultGuardKeyID, []byte("wrong"), env.clock.Now().UnixMilli(), "nonce-wrong"),
		},
		{
			name: "stale timestamp",
			req: testutil.NewHTTPRequest(http.MethodPost, "/webhook/in").WithJSON(`{}`).
				Signed(security.DefaultGuardKeyID, env.secret, env.clock.Now().Add(-time.Hour).UnixMilli(), "nonce-stale"),
		},
		{
			name: "unsigned",
			req:  testutil.NewHTTPRequest(http.MethodPost, "/webhook/in").WithJSON(`{}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantStatus(t, env.do(tt.req), http.StatusOK)
		})
	}

	if got := delivered(); got != len(tests) {
		t.Errorf("webhook deliveries = %d, want %d", got, len(tests))
	}
	if got := env.gw.Telemetry.Count(telemetry.SignatureErr); got != errBefore {
		t.Errorf("sig_err = %d, want %d", got, errBefore)
	}
	guard, ok := env.gw.Guards.Get("/webhook/in")
	if !ok || guard.Required {
		t.Errorf("guard = %+v, want optional guard left untightened", guard)
	}
}

func TestIngress_UnsignedOperatorRouteIsRejected(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(testutil.NewHTTPRequest(http.MethodPost, "/keys/create").WithForm("id=k1"))
	wantStatus(t, rr, http.StatusUnauthorized)

	if _, err := env.gw.Keys.Meta("k1"); err == nil {
		t.Error("key k1 was created by an unsigned request")
	}
}

func TestIngress_TamperedBodyIsRejected(t *testing.T) {
	env := newTestEnv(t)

	req := env.signed(http.MethodPost, "/keys/create").WithForm("id=k1")
	built := req.Build()
	// Signature was computed over "id=k1"; swap the body afterwards.
	tampered := httptest.NewRequest(http.MethodPost, "/keys/create", strings.NewReader("id=k2"))
	tampered.Header = built.Header.Clone()

	env.clock.Advance(time.Second)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, tampered)
	wantStatus(t, rr, http.StatusUnauthorized)
}

func TestIngress_StaleTimestampIsRejected(t *testing.T) {
	env := newTestEnv(t)

	req := env.signed(http.MethodGet, "/events")
	env.clock.Advance(10 * time.Minute)
	wantStatus(t, env.do(req), http.StatusUnauthorized)
}

func TestIngress_InspectionBlocks(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		req    *testutil.HTTPRequest
		reason string
	}{
		{
			name:   "denied prefix",
			req:    testutil.NewHTTPRequest(http.MethodGet, "/admin/users"),
			reason: security.ReasonPathDenied,
		},
		{
			name:   "method",
			req:    testutil.NewHTTPRequest(http.MethodDelete, "/risk"),
			reason: security.ReasonMethodNotAllowed,
		},
		{
			name:   "suspicious body",
			req:    testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithForm("grant_type=<script>alert(1)</script>"),
			reason: security.ReasonSuspiciousContent,
		},
		{
			name:   "content type",
			req:    testutil.NewHTTPRequest(http.MethodPost, "/oauth/token").WithHeader("Content-Type", "application/xml").WithBody("<a/>"),
			reason: security.ReasonContentTypeNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.req)
			wantStatus(t, rr, http.StatusBadRequest)
			body := decodeJSON[BlockedResponse](t, rr)
			if body.Error != ErrorCodeBlocked || body.Reason != tt.reason {
				t.Errorf("blocked = (%q, %q), want (%q, %q)", body.Error, body.Reason, ErrorCodeBlocked, tt.reason)
			}
			if len(body.Fingerprint) != 64 {
				t.Errorf("fingerprint length = %d, want 64", len(body.Fingerprint))
			}
		})
	}
	if got := env.gw.Telemetry.Count(telemetry.Blocked); got != uint64(len(tests)) {
		t.Errorf("blocked = %d, want %d", got, len(tests))
	}
}

func TestIngress_CircuitBreaker(t *testing.T) {
	env := newTestEnv(t)

	env.gw.Telemetry.SetRisk(telemetry.CircuitOpenThreshold)
	if !env.gw.Telemetry.CircuitOpen() {
		t.Fatal("circuit should open at the open threshold")
	}

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/risk"))
	wantStatus(t, rr, http.StatusServiceUnavailable)
	wantErrorCode(t, rr, ErrorCodeServiceUnavailable)

	wantStatus(t, env.do(testutil.NewHTTPRequest(http.MethodGet, "/healthz")), http.StatusOK)

	// Hysteresis: still open above the close threshold.
	env.gw.Telemetry.SetRisk(telemetry.CircuitCloseThreshold + 1)
	if !env.gw.Telemetry.CircuitOpen() {
		t.Error("circuit closed above the close threshold")
	}

	env.gw.Telemetry.SetRisk(telemetry.CircuitCloseThreshold)
	if env.gw.Telemetry.CircuitOpen() {
		t.Error("circuit still open at the close threshold")
	}

	rr = env.do(testutil.NewHTTPRequest(http.MethodGet, "/risk"))
	wantStatus(t, rr, http.StatusOK)
	if decodeJSON[RiskResponse](t, rr).CircuitOpen {
		t.Error("/risk reports an open circuit")
	}
}

func TestIngress_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit.Rate = 1
		c.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		wantStatus(t, testutil.NewHTTPRequest(http.MethodGet, "/healthz").Do(env.handler), http.StatusOK)
	}

	rr := testutil.NewHTTPRequest(http.MethodGet, "/healthz").Do(env.handler)
	wantStatus(t, rr, http.StatusTooManyRequests)
	if retry, err := strconv.Atoi(rr.Header().Get("Retry-After")); err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want a positive number of seconds", rr.Header().Get("Retry-After"))
	}
	wantErrorCode(t, rr, ErrorCodeRateLimitExceeded)
}

func TestIngress_RequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/healthz"))
	if rr.Header().Get(security.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestOps_KeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(env.signed(http.MethodPost, "/keys/create").WithForm("id=partner&len=32"))
	wantStatus(t, rr, http.StatusOK)
	created := decodeJSON[KeyMetaResponse](t, rr)
	if created.ID != "partner" || created.Version != 1 || created.Status != "active" {
		t.Errorf("created = %+v, want partner v1 active", created)
	}

	rr = env.do(env.signed(http.MethodPost, "/keys/rotate").WithForm("id=partner"))
	wantStatus(t, rr, http.StatusOK)
	if v := decodeJSON[KeyMetaResponse](t, rr).Version; v != 2 {
		t.Errorf("rotated version = %d, want 2", v)
	}

	rr = env.do(env.signed(http.MethodGet, "/keys/meta?ids=partner"))
	wantStatus(t, rr, http.StatusOK)
	metas := decodeJSON[[]KeyMetaResponse](t, rr)
	if len(metas) != 1 || metas[0].Version != 2 {
		t.Fatalf("meta = %+v, want one entry at version 2", metas)
	}

	rr = env.do(env.signed(http.MethodPost, "/keys/export_hex").WithForm("ids=partner"))
	wantStatus(t, rr, http.StatusForbidden)
	wantErrorCode(t, rr, ErrorCodeConsentRequired)

	rr = env.do(env.signed(http.MethodPost, "/keys/export_hex").WithForm("ids=partner&consent=1"))
	wantStatus(t, rr, http.StatusOK)
	exported := decodeJSON[[]KeyExportResponse](t, rr)
	if len(exported) != 1 {
		t.Fatalf("exported %d keys, want 1", len(exported))
	}
	if len(exported[0].KeyHex) != 64 || exported[0].Sealed {
		t.Errorf("export = %+v, want 64 hex chars unsealed", exported[0])
	}

	rr = env.do(env.signed(http.MethodPost, "/keys/status").WithForm("id=partner&status=disabled"))
	wantStatus(t, rr, http.StatusOK)
	if s := decodeJSON[KeyMetaResponse](t, rr).Status; s != "disabled" {
		t.Errorf("status = %q, want disabled", s)
	}

	wantStatus(t, env.do(env.signed(http.MethodPost, "/keys/rotate").WithForm("id=missing")), http.StatusNotFound)

	if !hasEvent(env.gw.Telemetry.Events(), telemetry.EventKeyRotation) {
		t.Error("no key rotation event recorded")
	}
}

func TestOps_ExportIsSealedWithSealingKey(t *testing.T) {
	sealingKey, err := security.GenerateSealingKey()
	if err != nil {
		t.Fatalf("GenerateSealingKey() error = %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.Security.SealingKey = sealingKey })

	rr := env.do(env.signed(http.MethodPost, "/keys/export_hex").WithForm("ids=auth_hmac&consent=1"))
	wantStatus(t, rr, http.StatusOK)
	exported := decodeJSON[[]KeyExportResponse](t, rr)
	if len(exported) != 1 || !exported[0].Sealed {
		t.Fatalf("export = %+v, want one sealed key", exported)
	}

	sealer, err := security.NewSealer(sealingKey)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	plain, err := sealer.Open("auth_hmac", exported[0].KeyHex)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if plain != testGuardKeyHex {
		t.Errorf("unsealed key = %q, want the configured guard key", plain)
	}
}

func TestOps_AutoRotation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(env.signed(http.MethodPost, "/keys/auto/config").WithForm("threshold=70&interval=0&ids=auth_hmac"))
	wantStatus(t, rr, http.StatusOK)
	st := decodeJSON[keystore.AutoRotationStatus](t, rr)
	if !st.Enabled || st.Threshold != 70 {
		t.Errorf("status = %+v, want enabled at 70", st)
	}

	wantStatus(t, env.do(env.signed(http.MethodPost, "/keys/auto/disable")), http.StatusOK)
	if env.gw.Scheduler.AutoRotationStatus().Enabled {
		t.Error("auto rotation still enabled")
	}
}

func TestOps_Guards(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(env.signed(http.MethodPost, "/webhook/guard/set").WithForm("path=/hooks/partner&required=0&ts=60000"))
	wantStatus(t, rr, http.StatusOK)
	guard := decodeJSON[security.GuardConfig](t, rr)
	if guard.Path != "/hooks/partner" || guard.Algorithm != security.AlgHMACSHA512 {
		t.Errorf("guard = %+v", guard)
	}

	rr = env.do(env.signed(http.MethodGet, "/webhook/guard/list"))
	wantStatus(t, rr, http.StatusOK)
	found := slices.ContainsFunc(decodeJSON[[]security.GuardConfig](t, rr), func(g security.GuardConfig) bool {
		return g.Path == "/hooks/partner"
	})
	if !found {
		t.Error("guard list is missing /hooks/partner")
	}

	wantStatus(t, env.do(env.signed(http.MethodPost, "/webhook/guard/set").WithForm("alg=rsa")), http.StatusBadRequest)
	wantStatus(t, env.do(env.signed(http.MethodPost, "/webhook/guard/disable").WithForm("path=/hooks/partner")), http.StatusOK)
	wantStatus(t, env.do(env.signed(http.MethodPost, "/webhook/guard/disable").WithForm("path=/hooks/partner")), http.StatusNotFound)
	wantStatus(t, env.do(env.signed(http.MethodGet, "/webhook/guard/stats")), http.StatusOK)
}

func TestOps_Purge(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(env.signed(http.MethodPost, "/anti_replay/purge/config").WithForm("mode=daily&sensitivity=50&window_ms=60000&capacity=256"))
	wantStatus(t, rr, http.StatusOK)
	st := decodeJSON[PurgeStatusResponse](t, rr)
	if !st.Enabled || st.Mode != "daily" {
		t.Errorf("status = %+v, want enabled daily", st)
	}
	if st.IntervalMs != (24 * time.Hour).Milliseconds() {
		t.Errorf("IntervalMs = %d, want one day", st.IntervalMs)
	}
	if st.BaseWindowMs != 60000 || st.BaseCapacity != 256 {
		t.Errorf("base = (%d ms, %d), want (60000 ms, 256)", st.BaseWindowMs, st.BaseCapacity)
	}

	wantStatus(t, env.do(env.signed(http.MethodPost, "/anti_replay/purge/run")), http.StatusOK)
	wantStatus(t, env.do(env.signed(http.MethodGet, "/anti_replay/purge/status")), http.StatusOK)
	wantStatus(t, env.do(env.signed(http.MethodPost, "/anti_replay/purge/disable")), http.StatusOK)
	if env.gw.Scheduler.PurgeStatus().Enabled {
		t.Error("purge still enabled")
	}

	if !hasEvent(env.gw.Telemetry.Events(), telemetry.EventReplayPurge) {
		t.Error("no purge event recorded")
	}
}

func TestOps_Policy(t *testing.T) {
	env := newTestEnv(t)

	dsl := "allowed_methods = GET, POST\ndenied_path_prefixes = /internal, /admin, /debug\n"
	rr := env.do(env.signed(http.MethodPost, "/policy/set_dsl").WithHeader("Content-Type", "text/plain").WithBody(dsl))
	wantStatus(t, rr, http.StatusOK)

	rr = env.do(testutil.NewHTTPRequest(http.MethodGet, "/debug/vars"))
	wantStatus(t, rr, http.StatusBadRequest)
	if reason := decodeJSON[BlockedResponse](t, rr).Reason; reason != security.ReasonPathDenied {
		t.Errorf("reason = %q, want %q", reason, security.ReasonPathDenied)
	}

	rr = env.do(env.signed(http.MethodPost, "/policy/set").WithJSON(`{"denied_path_prefixes":["/internal"]}`))
	wantStatus(t, rr, http.StatusOK)

	rr = env.do(env.signed(http.MethodGet, "/policy/get"))
	wantStatus(t, rr, http.StatusOK)
	p := decodeJSON[security.InboundPolicy](t, rr)
	if !slices.Equal(p.DeniedPathPrefixes, []string{"/internal"}) {
		t.Errorf("DeniedPathPrefixes = %v, want [/internal]", p.DeniedPathPrefixes)
	}

	rr = env.do(env.signed(http.MethodPost, "/policy/set_dsl").WithHeader("Content-Type", "text/plain").WithBody("bogus = 1"))
	wantStatus(t, rr, http.StatusBadRequest)
}

func TestOps_MemoryAndAlerts(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		env.gw.Telemetry.RecordEvent("test", fmt.Sprintf("e%d", i))
	}

	rr := env.do(env.signed(http.MethodPost, "/memory/config").WithForm("limit_bytes=4096&auto=1"))
	wantStatus(t, rr, http.StatusOK)
	st := decodeJSON[telemetry.MemoryStatus](t, rr)
	if st.LimitBytes != 4096 || !st.Auto {
		t.Errorf("memory status = %+v, want 4096 bytes auto", st)
	}

	wantStatus(t, env.do(env.signed(http.MethodPost, "/memory/purge")), http.StatusOK)
	if n := env.gw.Telemetry.MemoryStatus().Events; n >= 10 {
		t.Errorf("events after purge = %d, want fewer than 10", n)
	}

	rr = env.do(env.signed(http.MethodPost, "/alerts/set").WithForm("url=https://alerts.example.com/hook&risk=75"))
	wantStatus(t, rr, http.StatusOK)
	alert := decodeJSON[telemetry.AlertStatus](t, rr)
	if !alert.Enabled || alert.Config.Threshold != 75 || alert.Config.Cooldown != 300*time.Second {
		t.Errorf("alert status = %+v, want enabled, threshold 75, cooldown 300s", alert)
	}

	wantStatus(t, env.do(env.signed(http.MethodPost, "/alerts/set").WithForm("url=ftp://nope")), http.StatusBadRequest)
	wantStatus(t, env.do(env.signed(http.MethodPost, "/alerts/disable")), http.StatusOK)
	if env.gw.Alerts.Status().Enabled {
		t.Error("alerts still enabled")
	}
}

func TestOps_Webhook(t *testing.T) {
	env := newTestEnv(t)

	body := `{"event":"ping"}`
	wantStatus(t, env.do(env.signed(http.MethodPost, "/webhook/in").WithJSON(body)), http.StatusNotFound)

	var (
		mu       sync.Mutex
		received []byte
	)
	env.gw.SetWebhookReceiver(WebhookReceiverFunc(func(_ context.Context, _ http.Header, b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		received = b
		return nil
	}))

	wantStatus(t, env.do(env.signed(http.MethodPost, "/webhook/in").WithJSON(body)), http.StatusOK)
	mu.Lock()
	defer mu.Unlock()
	if string(received) != body {
		t.Errorf("received = %q, want %q", received, body)
	}
}

func TestOps_PrometheusDisabled(t *testing.T) {
	env := newTestEnv(t)

	wantStatus(t, env.do(testutil.NewHTTPRequest(http.MethodGet, "/metrics/prometheus")), http.StatusNotFound)
}

func TestOps_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(testutil.NewHTTPRequest(http.MethodGet, "/nowhere"))
	wantStatus(t, rr, http.StatusNotFound)
	wantErrorCode(t, rr, ErrorCodeNotFound)
}

func TestGateway_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.gw.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
