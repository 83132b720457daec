package edgeguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
	"github.com/giantswarm/edgeguard/telemetry"
)

// Paths served while the circuit breaker is open.
var circuitExemptPaths = map[string]bool{
	"/metrics": true,
	"/healthz": true,
}

// responseBuffer holds a handler's response until the integrity
// fingerprint has been computed over the body.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *responseBuffer) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

// flush copies the buffered response to w.
func (b *responseBuffer) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}

// ingress runs every request through the gateway's checks before next:
// per-IP rate limiting, the circuit breaker, inbound inspection and the
// signature guard. Responses carry an integrity fingerprint and are folded
// into the risk score.
func (g *Gateway) ingress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := g.tracer.Start(r.Context(), "gateway.ingress")
		defer span.End()

		path := r.URL.Path
		ip := g.ipResolver.ClientIP(r)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrPath, path),
			attribute.String(instrumentation.AttrRequestID, security.GetRequestID(ctx)))
		if g.instrumentation.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, ip)
		}

		if g.Config.RateLimit.Rate > 0 {
			if ok, retry := g.limiter.Reserve(ip); !ok {
				g.Telemetry.Inc(telemetry.FirewallBlocked)
				g.Auditor.LogRateLimitExceeded(ip, "", "ip")
				g.metrics.RecordRateLimitExceeded(ctx, "ip")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:            ErrorCodeRateLimitExceeded,
					ErrorDescription: "Rate limit exceeded",
				})
				instrumentation.SetSpanError(span, ErrorCodeRateLimitExceeded)
				return
			}
		}

		risk := g.Telemetry.CurrentRisk()
		if g.Telemetry.CircuitOpen() && !circuitExemptPaths[path] {
			instrumentation.AddRiskAttributes(span, risk, true)
			g.Telemetry.Inc(telemetry.FirewallBlocked)
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: ErrorCodeServiceUnavailable})
			g.recordHTTPMetrics(ctx, "rejected", r.Method, http.StatusServiceUnavailable, start)
			instrumentation.SetSpanError(span, ErrorCodeServiceUnavailable)
			return
		}

		r = r.WithContext(ctx)
		buf := newResponseBuffer()
		bytesIn := g.serveChecked(buf, r, path, ip, next, span)

		fp := security.Fingerprint(http.Header{"Content-Type": {buf.header.Get("Content-Type")}}, buf.body.Bytes())
		buf.header.Set(security.IntegrityHeader, fp)
		g.Telemetry.Inc(telemetry.FingerprintOut)
		buf.flush(w)

		status := buf.statusCode()
		g.Telemetry.ObserveHTTP(telemetry.Observation{
			IP:       ip,
			Path:     path,
			Status:   status,
			BytesIn:  bytesIn,
			BytesOut: int64(buf.body.Len()),
		})
		if status < http.StatusInternalServerError {
			g.Telemetry.Inc(telemetry.FirewallAllowed)
		} else {
			g.Telemetry.Inc(telemetry.FirewallBlocked)
		}

		instrumentation.AddHTTPAttributes(span, r.Method, path, status)
		instrumentation.AddRiskAttributes(span, g.Telemetry.CurrentRisk(), g.Telemetry.CircuitOpen())
		g.recordHTTPMetrics(ctx, routePattern(r), r.Method, status, start)
	})
}

// serveChecked inspects the request, enforces its guard and dispatches it
// to next. It returns the number of body bytes read.
func (g *Gateway) serveChecked(w http.ResponseWriter, r *http.Request, path, ip string, next http.Handler, span trace.Span) int64 {
	ctx := r.Context()
	limits := g.Inspector.EffectiveLimits()

	var body []byte
	if r.Body != nil {
		// One byte past the limit is enough for the inspector to reject it.
		b, err := io.ReadAll(io.LimitReader(r.Body, int64(limits.MaxBodyBytes)+1))
		_ = r.Body.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:            ErrorCodeInvalidRequest,
				ErrorDescription: "Failed to read request body",
			})
			return int64(len(b))
		}
		body = b
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	g.Telemetry.Inc(telemetry.Inspected)
	g.Telemetry.Inc(telemetry.FingerprintIn)
	fp := security.Fingerprint(r.Header, body)

	err := g.Inspector.Inspect(security.InspectedRequest{
		Method:      r.Method,
		Path:        path,
		ContentType: r.Header.Get("Content-Type"),
		HeaderBytes: security.HeaderSize(r.Header),
		Body:        body,
	})
	if err != nil {
		reason := err.Error()
		var ie *security.InspectionError
		if errors.As(err, &ie) {
			reason = ie.Reason
		}
		g.Telemetry.Inc(telemetry.Blocked)
		g.Auditor.LogInspectionBlocked(path, ip, reason, fp)
		g.metrics.RecordInspectionBlocked(ctx, reason)
		g.Logger.Info("Request blocked by inspection", "path", path, "reason", reason)
		writeJSON(w, http.StatusBadRequest, BlockedResponse{Error: ErrorCodeBlocked, Reason: reason, Fingerprint: fp})
		instrumentation.SetSpanError(span, "blocked: "+reason)
		return int64(len(body))
	}

	if guard, ok := g.Guards.Resolve(path); ok {
		if !g.checkGuard(w, r, guard, body, ip, span) {
			return int64(len(body))
		}
	}

	next.ServeHTTP(w, r)
	return int64(len(body))
}

// checkGuard authenticates a guarded request. It writes the 401 itself and
// reports whether the request may proceed.
func (g *Gateway) checkGuard(w http.ResponseWriter, r *http.Request, guard security.GuardConfig, body []byte, ip string, span trace.Span) bool {
	ctx := r.Context()
	path := r.URL.Path

	err := g.authenticate(ctx, guard, r, body)
	var ve *security.VerifyError
	errors.As(err, &ve)
	step := ""
	if ve != nil {
		step = string(ve.Step)
	}
	if err != nil && !guard.Required {
		// Optional guards pass every failure and never tighten on it.
		g.Logger.Debug("Optional guard passed a failed verification", "path", path, "step", step, "error", err)
		err = nil
	}
	instrumentation.AddGuardAttributes(span, path, guard.KeyID, step, guard.Required)
	g.Telemetry.RecordSignature(path, err == nil)
	g.metrics.RecordSignature(ctx, path, err == nil, step)

	if err == nil {
		g.Guards.RelaxIfSafe(path)
		return true
	}

	reason := err.Error()
	if ve != nil {
		reason = ve.Reason
	}
	g.Auditor.LogSignatureFailure(path, r.Header.Get(security.HeaderKeyID), ip, step, reason)
	g.Logger.Warn("Signature verification failed", "path", path, "step", step, "reason", reason)

	stat := g.Telemetry.PathStat(path)
	if tightened, changed := g.Guards.Tighten(path, stat.ErrorRatio(), stat.OK+stat.Err); changed {
		g.Auditor.LogGuardTightened(path, tightened.TimestampWindowMs, g.Telemetry.CurrentRisk())
		g.metrics.RecordGuardTightened(ctx, path)
	}

	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorCodeInvalidSignature})
	instrumentation.SetSpanError(span, ErrorCodeInvalidSignature)
	return false
}

// authenticate checks r against guard's algorithm. Failures are
// *security.VerifyError values.
func (g *Gateway) authenticate(ctx context.Context, guard security.GuardConfig, r *http.Request, body []byte) error {
	switch guard.Algorithm {
	case security.AlgHMACSHA512:
		return g.Verifier.Verify(guard, security.SignedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			Header:      r.Header,
			Body:        body,
		})
	case security.AlgOAuth2:
		return g.authenticateOAuth2(ctx, r, body)
	default:
		return &security.VerifyError{Step: security.StepAlgorithm, Reason: fmt.Sprintf("guard accepts no %q requests", guard.Algorithm)}
	}
}

// authenticateOAuth2 accepts a valid bearer access token, or a token
// request that names its client.
func (g *Gateway) authenticateOAuth2(ctx context.Context, r *http.Request, body []byte) error {
	if bearer, ok := bearerToken(r); ok {
		token, err := g.Server.ValidateToken(ctx, bearer)
		if err != nil {
			return &security.VerifyError{Step: security.StepKey, Reason: "bearer token rejected", Err: err}
		}
		if token.Type != storage.TokenTypeAccess {
			return &security.VerifyError{Step: security.StepKey, Reason: "not an access token"}
		}
		return nil
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(body)); err == nil && form.Get("client_id") != "" {
			return nil
		}
	}
	if _, _, ok := r.BasicAuth(); ok {
		return nil
	}
	return &security.VerifyError{Step: security.StepHeaders, Reason: "bearer token or client_id required"}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) <= len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(authz[len(prefix):]), true
}

// routePattern returns the matched chi route, which keeps metric labels
// bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// recordHTTPMetrics records HTTP request metrics if instrumentation is enabled
func (g *Gateway) recordHTTPMetrics(ctx context.Context, endpoint, method string, statusCode int, startTime time.Time) {
	duration := float64(time.Since(startTime).Milliseconds())
	g.metrics.RecordHTTPRequest(ctx, method, endpoint, statusCode, duration)
}

// writeJSON writes v as a JSON response with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
