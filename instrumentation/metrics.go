package instrumentation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the gateway
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationCodesIssued metric.Int64Counter
	TokensIssued             metric.Int64Counter
	TokenRefreshed           metric.Int64Counter
	TokenRevoked             metric.Int64Counter
	Introspections           metric.Int64Counter
	ClientRegistered         metric.Int64Counter
	PolicyAdaptations        metric.Int64Counter

	// Security Metrics
	SignatureVerifications metric.Int64Counter
	InspectionBlocked      metric.Int64Counter
	RateLimitExceeded      metric.Int64Counter
	CircuitTransitions     metric.Int64Counter
	GuardTightened         metric.Int64Counter
	RiskScore              metric.Int64ObservableGauge
	CircuitOpen            metric.Int64ObservableGauge

	// Key Store Metrics
	KeyRotations  metric.Int64Counter
	ReplayPurged  metric.Int64Counter
	ReplayEntries metric.Int64ObservableGauge

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClientsCount      metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageActiveTokensCount metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

type instrumentBuilder struct {
	errs []error
}

func (b *instrumentBuilder) counter(m metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s counter: %w", name, err))
	}
	return c
}

func (b *instrumentBuilder) histogram(m metric.Meter, name, desc string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s histogram: %w", name, err))
	}
	return h
}

func (b *instrumentBuilder) gauge(m metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	g, err := m.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("failed to create %s gauge: %w", name, err))
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	var (
		b             instrumentBuilder
		httpMeter     = inst.Meter("http")
		serverMeter   = inst.Meter("server")
		securityMeter = inst.Meter("security")
		keystoreMeter = inst.Meter("keystore")
		storageMeter  = inst.Meter("storage")
	)

	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "edgeguard.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "edgeguard.http.request.duration", "HTTP request duration in milliseconds"),

		AuthorizationCodesIssued: b.counter(serverMeter, "edgeguard.oauth.authorization_codes", "Authorization codes issued", "{code}"),
		TokensIssued:             b.counter(serverMeter, "edgeguard.oauth.tokens.issued", "Tokens issued by grant type", "{token}"),
		TokenRefreshed:           b.counter(serverMeter, "edgeguard.oauth.tokens.refreshed", "Refresh token rotations", "{refresh}"),
		TokenRevoked:             b.counter(serverMeter, "edgeguard.oauth.tokens.revoked", "Tokens revoked", "{revocation}"),
		Introspections:           b.counter(serverMeter, "edgeguard.oauth.introspections", "Token introspections by result", "{introspection}"),
		ClientRegistered:         b.counter(serverMeter, "edgeguard.oauth.clients.registered", "Clients registered", "{client}"),
		PolicyAdaptations:        b.counter(serverMeter, "edgeguard.oauth.policy.adaptations", "Adaptive client policy changes", "{adaptation}"),

		SignatureVerifications: b.counter(securityMeter, "edgeguard.signature.verifications", "Request signature verifications by result", "{verification}"),
		InspectionBlocked:      b.counter(securityMeter, "edgeguard.inspection.blocked", "Requests rejected by the inbound policy", "{request}"),
		RateLimitExceeded:      b.counter(securityMeter, "edgeguard.rate_limit.exceeded", "Rate limit violations", "{violation}"),
		CircuitTransitions:     b.counter(securityMeter, "edgeguard.circuit.transitions", "Circuit breaker state changes", "{transition}"),
		GuardTightened:         b.counter(securityMeter, "edgeguard.guard.tightened", "Automatic guard tightenings", "{event}"),
		RiskScore:              b.gauge(securityMeter, "edgeguard.risk.score", "Current process-wide risk score", "1"),
		CircuitOpen:            b.gauge(securityMeter, "edgeguard.circuit.open", "1 while the circuit breaker is open", "1"),

		KeyRotations:  b.counter(keystoreMeter, "edgeguard.keys.rotations", "Key rotations by trigger", "{rotation}"),
		ReplayPurged:  b.counter(keystoreMeter, "edgeguard.anti_replay.purged", "Anti-replay entries evicted by purge", "{entry}"),
		ReplayEntries: b.gauge(keystoreMeter, "edgeguard.anti_replay.entries", "Anti-replay entries currently held", "{entry}"),

		StorageOperationTotal:    b.counter(storageMeter, "edgeguard.storage.operation.total", "Total number of storage operations", "{operation}"),
		StorageOperationDuration: b.histogram(storageMeter, "edgeguard.storage.operation.duration", "Storage operation duration in milliseconds"),
		StorageClientsCount:      b.gauge(storageMeter, "edgeguard.storage.clients.count", "Registered clients", "{client}"),
		StorageTokensCount:       b.gauge(storageMeter, "edgeguard.storage.tokens.count", "Stored tokens of any status", "{token}"),
		StorageActiveTokensCount: b.gauge(storageMeter, "edgeguard.storage.tokens.active", "Active tokens", "{token}"),

		AuditEventsTotal: b.counter(securityMeter, "edgeguard.audit.events.total", "Total number of audit events", "{event}"),
	}

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationCode records an issued authorization code
func (m *Metrics) RecordAuthorizationCode(ctx context.Context, clientID string, pkce bool) {
	m.AuthorizationCodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("pkce", pkce),
	))
}

// RecordTokenIssued records tokens minted by the token endpoint
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordIntrospection records an introspection result
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.Introspections.Add(ctx, 1, metric.WithAttributes(attribute.Bool("active", active)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordPolicyAdaptation records a tighten or relax decision
func (m *Metrics) RecordPolicyAdaptation(ctx context.Context, decision string) {
	m.PolicyAdaptations.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordSignature records a signature verification outcome
func (m *Metrics) RecordSignature(ctx context.Context, path string, ok bool, step string) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.SignatureVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("result", result),
		attribute.String("step", step),
	))
}

// RecordInspectionBlocked records a request rejected by inspection
func (m *Metrics) RecordInspectionBlocked(ctx context.Context, reason string) {
	m.InspectionBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordCircuitState records a circuit breaker transition
func (m *Metrics) RecordCircuitState(ctx context.Context, open bool) {
	state := "closed"
	if open {
		state = "open"
	}
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordGuardTightened records an automatic guard tightening
func (m *Metrics) RecordGuardTightened(ctx context.Context, path string) {
	m.GuardTightened.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordKeyRotation records rotated keys; trigger is "manual" or "auto"
func (m *Metrics) RecordKeyRotation(ctx context.Context, trigger string, count int) {
	m.KeyRotations.Add(ctx, int64(count), metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordReplayPurge records entries evicted by an anti-replay purge
func (m *Metrics) RecordReplayPurge(ctx context.Context, removed int, widened bool) {
	m.ReplayPurged.Add(ctx, int64(removed), metric.WithAttributes(attribute.Bool("widened", widened)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
