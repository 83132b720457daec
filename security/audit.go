package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events to the log with hashed user identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	KeyID     string
	Path      string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	attrs := []any{
		"event_type", event.Type,
		"timestamp", event.Timestamp,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id_hash", hashForLogging(event.UserID))
	}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.KeyID != "" {
		attrs = append(attrs, "key_id", event.KeyID)
	}
	if event.Path != "" {
		attrs = append(attrs, "path", event.Path)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)
}

// LogSignatureFailure logs a rejected request signature
func (a *Auditor) LogSignatureFailure(path, keyID, ipAddress, step, reason string) {
	a.LogEvent(Event{
		Type:      EventSignatureFailed,
		KeyID:     keyID,
		Path:      path,
		IPAddress: ipAddress,
		Details: map[string]any{
			"step":   step,
			"reason": reason,
		},
	})
}

// LogInspectionBlocked logs a request rejected by the inbound policy
func (a *Auditor) LogInspectionBlocked(path, ipAddress, reason, fingerprint string) {
	a.LogEvent(Event{
		Type:      EventInspectionBlocked,
		Path:      path,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason":      reason,
			"fingerprint": fingerprint,
		},
	})
}

// LogGuardTightened logs an automatic guard tightening
func (a *Auditor) LogGuardTightened(path string, windowMs int64, risk int) {
	a.LogEvent(Event{
		Type: EventGuardTightened,
		Path: path,
		Details: map[string]any{
			"window_ms": windowMs,
			"risk":      risk,
		},
	})
}

// LogKeyEvent logs a key lifecycle change
func (a *Auditor) LogKeyEvent(eventType, keyID, ipAddress string, details map[string]any) {
	a.LogEvent(Event{
		Type:      eventType,
		KeyID:     keyID,
		IPAddress: ipAddress,
		Details:   details,
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, tokenType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress, sessionID string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"session_id": sessionID,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID, scope string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogPolicyAdapted logs an adaptive change to a client policy
func (a *Auditor) LogPolicyAdapted(clientID, userID, decision string, risk float64, actions []string) {
	a.LogEvent(Event{
		Type:     EventClientPolicyAdapted,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"decision": decision,
			"risk":     risk,
			"actions":  actions,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
