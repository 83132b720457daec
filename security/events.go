package security

// Event type constants for security audit logging and the telemetry event ring.
const (
	// Request ingress events

	// EventInspectionBlocked is logged when the inbound policy rejects a request
	EventInspectionBlocked = "inspection_blocked"

	// EventSignatureFailed is logged when a guarded request fails signature verification
	EventSignatureFailed = "signature_failed"

	// EventGuardTightened is logged when a guard window shrinks after failures or high risk
	EventGuardTightened = "guard_tighten"

	// EventGuardRelaxed is logged when a guard window returns to its baseline
	EventGuardRelaxed = "guard_relax"

	// EventCircuitRejected is logged when the open circuit breaker turns a request away
	EventCircuitRejected = "circuit_rejected"

	// EventRateLimitExceeded is logged when a per-IP or per-client limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Key management events

	// EventKeyCreated is logged when key material is generated
	EventKeyCreated = "key_created"

	// EventKeyRotated is logged when key material is replaced, manually or automatically
	EventKeyRotated = "key_rotation"

	// EventKeyStatusChanged is logged when a key is disabled, re-enabled or revoked
	EventKeyStatusChanged = "key_status_changed"

	// EventKeyExported is logged when key material leaves the store with consent
	EventKeyExported = "key_exported"

	// EventKeyExportDenied is logged when an export is attempted without consent
	EventKeyExportDenied = "key_export_denied"

	// EventPolicyUpdated is logged when the inbound policy is replaced
	EventPolicyUpdated = "policy_update"

	// OAuth2 events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientStatusChanged is logged when a client is enabled or disabled
	EventClientStatusChanged = "client_status_changed"

	// EventClientDeleted is logged when a client is removed by an operator
	EventClientDeleted = "client_deleted"

	// EventClientPolicyAdapted is logged when adaptive security changes a client policy
	EventClientPolicyAdapted = "oauth2_adaptation"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventTokenIssued is logged when a token is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthFailure is logged when client or token authentication fails
	EventAuthFailure = "auth_failure"

	// EventInvalidPKCE is logged when a code verifier does not match its challenge
	EventInvalidPKCE = "invalid_pkce"
)
