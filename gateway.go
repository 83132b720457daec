package edgeguard

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
	"github.com/giantswarm/edgeguard/storage/memory"
	"github.com/giantswarm/edgeguard/telemetry"
)

// WebhookReceiver consumes verified webhook deliveries posted to the
// default guarded path.
type WebhookReceiver interface {
	ReceiveWebhook(ctx context.Context, header http.Header, body []byte) error
}

// WebhookReceiverFunc adapts a function to WebhookReceiver.
type WebhookReceiverFunc func(ctx context.Context, header http.Header, body []byte) error

// ReceiveWebhook calls f.
func (f WebhookReceiverFunc) ReceiveWebhook(ctx context.Context, header http.Header, body []byte) error {
	return f(ctx, header, body)
}

// Gateway wires the key store, telemetry, guards, inspection and the OAuth
// server behind one HTTP handler. Every service is constructed here and
// injected; nothing is global.
type Gateway struct {
	Keys      *keystore.Store
	Scheduler *keystore.Scheduler
	Telemetry *telemetry.Telemetry
	Alerts    *telemetry.AlertMonitor
	Guards    *security.GuardRegistry
	Inspector *security.Inspector
	Verifier  *security.Verifier
	Server    *server.Server
	Auditor   *security.Auditor
	Logger    *slog.Logger
	Config    *Config

	store           *memory.Store
	sealer          *security.Sealer
	limiter         *security.RateLimiter
	registrations   *security.RegistrationLimiter
	ipResolver      security.ClientIPResolver
	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer
	now             func() time.Time

	circuitReported atomic.Bool

	webhookMu sync.RWMutex
	webhook   WebhookReceiver

	handlerOnce sync.Once
	handler     http.Handler
}

// New creates a gateway from config.
func New(config *Config) (*Gateway, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config = applySecureDefaults(config, logger)

	if !config.Random.Secure() && !config.Security.AllowInsecureRNG {
		return nil, fmt.Errorf("random provider %q is not cryptographically secure (set AllowInsecureRNG to override)", config.Random.Name())
	}

	inst, err := instrumentation.New(config.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	g := &Gateway{
		Logger:          logger,
		Config:          config,
		instrumentation: inst,
		metrics:         inst.Metrics(),
		tracer:          inst.Tracer("gateway"),
		now:             config.Clock,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        config.RateLimit.TrustProxy,
			TrustedProxyCount: config.RateLimit.TrustedProxyCount,
		},
	}

	g.Telemetry = telemetry.New(telemetry.WithLogger(logger), telemetry.WithClock(config.Clock))
	g.Auditor = security.NewAuditor(logger, config.Security.EnableAuditLogging)

	g.Keys, err = keystore.New(config.Random,
		keystore.WithLogger(logger),
		keystore.WithClock(config.Clock),
		keystore.WithReplayParams(config.Replay))
	if err != nil {
		return nil, fmt.Errorf("failed to create key store: %w", err)
	}
	if err := g.installGuardKey(); err != nil {
		return nil, err
	}

	g.Scheduler = keystore.NewScheduler(g.Keys, g.Telemetry, logger,
		keystore.WithSchedulerClock(config.Clock),
		keystore.WithTickInterval(config.SchedulerInterval),
		keystore.WithPurgeHook(g.onReplayPurge),
		keystore.WithRotationHook(g.onKeyRotation))
	g.Telemetry.OnRiskChange(g.onRiskChange)

	g.Guards = security.NewGuardRegistry(g.Telemetry, g.Telemetry, logger)
	g.Guards.InstallBuiltins(config.Security.GuardKeyID)
	for _, guard := range config.Security.Guards {
		if _, err := g.Guards.Set(guard); err != nil {
			return nil, fmt.Errorf("invalid guard for %q: %w", guard.Path, err)
		}
	}

	policy := security.DefaultInboundPolicy()
	if config.Security.InboundPolicy != nil {
		policy = *config.Security.InboundPolicy
	}
	g.Inspector, err = security.NewInspector(policy, g.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	verifierOpts := []security.VerifierOption{security.WithVerifierClock(config.Clock)}
	if config.Security.InsecureLengthDigest {
		verifierOpts = append(verifierOpts, security.WithInsecureLengthDigest())
	}
	g.Verifier = security.NewVerifier(g.Keys, g.Keys, logger, verifierOpts...)

	g.store = memory.NewWithInterval(config.CleanupInterval)
	g.store.SetLogger(logger)
	g.store.SetClock(config.Clock)
	g.store.SetInstrumentation(inst)

	g.Server, err = server.New(g.store, g.store, &config.OAuth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth server: %w", err)
	}
	g.Server.SetClock(config.Clock)
	g.Server.SetAuditor(g.Auditor)
	g.Server.SetInstrumentation(inst)
	g.Server.SetRiskAssessor(server.NewHeuristicAssessor(g.Telemetry))

	idKey := g.Server.Config.IDTokenKeyID
	if _, err := g.Keys.Meta(idKey); errors.Is(err, keystore.ErrNotAvailable) {
		if _, err := g.Keys.CreateKey(idKey, 1, keystore.DefaultKeyLength, "", g.now()); err != nil {
			return nil, fmt.Errorf("failed to create ID token key: %w", err)
		}
	}
	g.Server.SetIDTokenSigner(server.NewIDTokenSigner(g.Keys, idKey, g.Server.Config.Issuer))

	g.limiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger,
		security.WithRateLimiterClock(config.Clock),
		security.WithMaxEntries(config.RateLimit.MaxEntries))
	g.registrations = security.NewRegistrationLimiter(config.Security.MaxRegistrationsPerHour, time.Hour, logger)
	g.registrations.SetClock(config.Clock)

	var alertOpts []telemetry.AlertOption
	if config.AlertInterval > 0 {
		alertOpts = append(alertOpts, telemetry.WithAlertInterval(config.AlertInterval))
	}
	g.Alerts = telemetry.NewAlertMonitor(g.Telemetry, config.HTTPClient, logger, alertOpts...)

	g.sealer, err = security.NewSealer(config.Security.SealingKey)
	if err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}

	err = inst.RegisterGatewayCallbacks(
		func() int64 { return int64(g.Telemetry.CurrentRisk()) },
		func() int64 {
			if g.Telemetry.CircuitOpen() {
				return 1
			}
			return 0
		},
		func() int64 {
			_, entries := g.Keys.Replay().Counts()
			return int64(entries)
		},
	)
	if err != nil {
		logger.Warn("Failed to register gateway metric callbacks", "error", err)
	}

	logger.Info("Gateway initialized",
		"issuer", config.Issuer,
		"guard_key_id", config.Security.GuardKeyID,
		"rng", g.Keys.Provider(),
		"guards", len(g.Guards.List()))
	return g, nil
}

// installGuardKey imports the configured guard key or generates one.
func (g *Gateway) installGuardKey() error {
	id := g.Config.Security.GuardKeyID
	if g.Config.Security.GuardKeyHex == "" {
		if _, err := g.Keys.CreateKey(id, 1, keystore.DefaultKeyLength, "", g.now()); err != nil {
			return fmt.Errorf("failed to create guard key: %w", err)
		}
		return nil
	}

	secret, err := hex.DecodeString(strings.TrimSpace(g.Config.Security.GuardKeyHex))
	if err != nil {
		return fmt.Errorf("guard key is not valid hex: %w", err)
	}
	defer clear(secret)
	if _, err := g.Keys.ImportKey(id, 1, secret); err != nil {
		return fmt.Errorf("failed to import guard key: %w", err)
	}
	return nil
}

// SetWebhookReceiver installs the consumer for /webhook/in. Without one the
// path answers 404.
func (g *Gateway) SetWebhookReceiver(r WebhookReceiver) {
	g.webhookMu.Lock()
	g.webhook = r
	g.webhookMu.Unlock()
}

func (g *Gateway) webhookReceiver() WebhookReceiver {
	g.webhookMu.RLock()
	defer g.webhookMu.RUnlock()
	return g.webhook
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	g.handlerOnce.Do(func() {
		g.handler = g.newRouter()
	})
	return g.handler
}

// Instrumentation returns the metrics and tracing providers.
func (g *Gateway) Instrumentation() *instrumentation.Instrumentation {
	return g.instrumentation
}

// Run starts the background loops: the key scheduler, the alert monitor,
// the limiter and token cleanups. It blocks until ctx is done or a loop
// fails.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.Scheduler.Run(ctx) })
	eg.Go(func() error { return g.Alerts.Run(ctx) })
	eg.Go(func() error { return g.limiter.Run(ctx) })
	eg.Go(func() error { return g.registrations.Run(ctx) })
	eg.Go(func() error { return g.store.Run(ctx) })
	return eg.Wait()
}

// Serve listens on addr until ctx is done, then shuts the listener down
// gracefully.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadTimeout:       g.Config.ReadTimeout,
		ReadHeaderTimeout: g.Config.ReadTimeout,
		ErrorLog:          slog.NewLogLogger(g.Logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		g.Logger.Info("Gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Shutdown flushes instrumentation.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.instrumentation.Shutdown(ctx)
}

func (g *Gateway) onRiskChange(_, _ int) {
	g.Scheduler.Nudge()
	open := g.Telemetry.CircuitOpen()
	if g.circuitReported.Swap(open) != open {
		g.metrics.RecordCircuitState(context.Background(), open)
	}
}

func (g *Gateway) onReplayPurge(res keystore.PurgeResult) {
	g.Telemetry.RecordEvent(telemetry.EventReplayPurge,
		fmt.Sprintf("removed=%d risk=%d widened=%t window_ms=%d capacity=%d",
			res.Removed, res.Risk, res.Widened, res.Params.Window.Milliseconds(), res.Params.Capacity))
	g.metrics.RecordReplayPurge(context.Background(), res.Removed, res.Widened)
}

func (g *Gateway) onKeyRotation(ids []string) {
	risk := g.Telemetry.CurrentRisk()
	g.Telemetry.RecordEvent(telemetry.EventKeyRotation,
		fmt.Sprintf("ids=%s risk=%d", strings.Join(ids, ","), risk))
	for _, id := range ids {
		g.Auditor.LogKeyEvent(security.EventKeyRotated, id, "", map[string]any{"trigger": "risk", "risk": risk})
	}
	g.metrics.RecordKeyRotation(context.Background(), "auto", len(ids))
}
