package security

import (
	"net/http"
	"net/url"
)

// IntegrityHeader carries the request fingerprint back to the caller.
const IntegrityHeader = "X-Integrity-Fingerprint"

// SetSecurityHeaders sets the hardening headers shared by every response.
// HSTS is only sent when serverURL is https.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Tokens, keys and metrics must never be cached.
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SecurityHeadersMiddleware applies SetSecurityHeaders before next runs.
func SecurityHeadersMiddleware(serverURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, serverURL)
			next.ServeHTTP(w, r)
		})
	}
}
