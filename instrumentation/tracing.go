package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put secrets, signatures, nonces, tokens or
// authorization codes into span attributes. Only metadata such as key ids,
// token types, validation steps and results belongs here.
const (
	// OAuth attributes
	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrScope      = "oauth.scope"
	AttrGrantType  = "oauth.grant_type"
	AttrClientType = "oauth.client_type"
	AttrTokenType  = "oauth.token_type" //nolint:gosec // token type, not a token
	AttrSessionID  = "oauth.session_id"
	AttrPKCE       = "oauth.pkce"
	AttrError      = "oauth.error"

	// Gateway attributes
	AttrKeyID          = "gateway.key_id"
	AttrPath           = "gateway.path"
	AttrGuardStep      = "gateway.guard.step"
	AttrGuardRequired  = "gateway.guard.required"
	AttrRiskScore      = "gateway.risk_score"
	AttrInspectionFP   = "gateway.inspection.fingerprint"
	AttrCircuitOpen    = "gateway.circuit.open"
	AttrRotationReason = "gateway.rotation.trigger"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrRequestID      = "http.request_id"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the non-empty client, user and scope values.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGuardAttributes describes a signature check on a guarded path.
// step is empty for successful verifications.
func AddGuardAttributes(span trace.Span, path, keyID, step string, required bool) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrPath, path),
		attribute.Bool(AttrGuardRequired, required),
	}
	if keyID != "" {
		attrs = append(attrs, attribute.String(AttrKeyID, keyID))
	}
	if step != "" {
		attrs = append(attrs, attribute.String(AttrGuardStep, step))
	}
	SetSpanAttributes(span, attrs...)
}

// AddRiskAttributes adds the risk score and circuit state.
func AddRiskAttributes(span trace.Span, risk int, circuitOpen bool) {
	SetSpanAttributes(span,
		attribute.Int(AttrRiskScore, risk),
		attribute.Bool(AttrCircuitOpen, circuitOpen),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span.
//
// Client IP addresses may be personal data. Check
// Instrumentation.ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
