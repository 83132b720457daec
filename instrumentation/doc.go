// Package instrumentation provides OpenTelemetry metrics and tracing for the
// gateway.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "edgeguard",
//		ServiceVersion: version,
//		Enabled:        true,
//		Prometheus:     true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics/prometheus", inst.PrometheusHandler())
//
// When Enabled is false no-op providers are used and every Record* helper is
// free.
//
// # Available Metrics
//
// HTTP:
//   - edgeguard.http.requests.total{method, endpoint, status}
//   - edgeguard.http.request.duration{endpoint}
//
// Ingress security:
//   - edgeguard.signature.verifications{path, result, step}
//   - edgeguard.inspection.blocked{reason}
//   - edgeguard.rate_limit.exceeded{limiter_type}
//   - edgeguard.circuit.transitions{state}
//   - edgeguard.guard.tightened{path}
//   - edgeguard.risk.score, edgeguard.circuit.open (gauges)
//
// Keys:
//   - edgeguard.keys.rotations{trigger}
//   - edgeguard.anti_replay.purged{widened}
//   - edgeguard.anti_replay.entries (gauge)
//
// OAuth2:
//   - edgeguard.oauth.authorization_codes{client_id, pkce}
//   - edgeguard.oauth.tokens.issued{grant_type, token_type}
//   - edgeguard.oauth.tokens.refreshed{client_id}
//   - edgeguard.oauth.tokens.revoked{token_type}
//   - edgeguard.oauth.introspections{active}
//   - edgeguard.oauth.clients.registered{client_type}
//   - edgeguard.oauth.policy.adaptations{decision}
//
// Storage:
//   - edgeguard.storage.operation.total{operation, result}
//   - edgeguard.storage.operation.duration{operation}
//   - edgeguard.storage.clients.count, edgeguard.storage.tokens.count,
//     edgeguard.storage.tokens.active (gauges)
//
// The Prometheus exporter rewrites dots to underscores, so
// edgeguard.http.requests.total is scraped as edgeguard_http_requests_total.
//
// # Cardinality
//
// client_id labels grow with the number of registered clients. Deployments
// with many thousands of clients should aggregate these series with
// recording rules or drop the label at scrape time.
//
// # Security Considerations
//
// Never record HMAC secrets, signatures, nonces, tokens or authorization
// codes in metrics or span attributes. Client IPs are only attached to spans
// when Config.LogClientIPs is set.
package instrumentation
