// Package security provides the request-level defences of the gateway.
//
// # Signatures and guards
//
// Guarded paths require four headers: X-MKT-KeyId, X-MKT-Timestamp,
// X-MKT-Nonce and X-MKT-Signature. The signature is the hex HMAC-SHA512 of
//
//	METHOD|PATH|CONTENT-TYPE|TIMESTAMP_MS|NONCE|hex(SHA512(body))
//
// keyed with the active secret of the guard's key. A GuardRegistry holds the
// per-path guards. Operator paths (/keys/, /policy/, /clients/ and friends)
// are always guarded, and their timestamp windows are capped by tier no
// matter how they are configured. Failed verifications tighten the guard
// when risk or the path error ratio is high; successful ones relax it back
// to its baseline once risk has dropped.
//
// # Inspection
//
// The Inspector evaluates the InboundPolicy before anything else runs:
// method, path allow and deny prefixes, content type, header and body sizes
// (shrinking as risk rises) and a scan for script-like payloads. Policies
// can be written as JSON, YAML or a small line-oriented DSL:
//
//	allowed_methods = GET, POST
//	denied_path_prefixes = /internal, /admin
//	limits.max_body_bytes = 65536
//
// # Rate limiting
//
// RateLimiter is a per-IP token bucket with LRU eviction so that a
// distributed flood cannot grow it without bound. RegistrationLimiter is a
// sliding-window counter used for client registration.
//
// # Odds and ends
//
// Auditor writes security events with hashed user identifiers, Sealer
// encrypts exported key material with AES-GCM, and the request ID, client
// IP and security header helpers are shared by every handler.
package security
