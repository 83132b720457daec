package edgeguard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/server"
	"github.com/giantswarm/edgeguard/storage"
)

// Error codes written in {"error": ...} response bodies
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope    = server.ErrorCodeInsufficientScope
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeServiceUnavailable   = "service_unavailable"
	ErrorCodeInvalidSignature     = "invalid_signature"
	ErrorCodeBlocked              = "blocked"
	ErrorCodeNotFound             = "not_found"
	ErrorCodeConsentRequired      = "consent_required"
)

// OAuthError represents an error response. Despite the name it also
// carries the gateway's own failures (signature, circuit, rate limit).
type OAuthError struct {
	Code        string // error code (e.g., "invalid_request", "invalid_signature")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new error response
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors as constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the token lacks a required scope
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported or not allowed
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the request was refused by policy
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrNotFound indicates the addressed resource does not exist
	ErrNotFound = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServiceUnavailable indicates the circuit breaker is open
	ErrServiceUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServiceUnavailable, desc, http.StatusServiceUnavailable)
	}

	// ErrInvalidSignature indicates a guarded request failed signature verification
	ErrInvalidSignature = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidSignature, desc, http.StatusUnauthorized)
	}
)

// statusForCode maps an OAuth error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied, ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// flowError converts an error returned by the server package into an
// OAuthError. Internal failures never expose their message.
func flowError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	code := server.ErrorCode(err)
	if code == ErrorCodeServerError {
		return ErrServerError("Internal server error")
	}
	return NewOAuthError(code, err.Error(), statusForCode(code))
}

// operatorError maps store and key errors raised by operator routes.
func operatorError(err error) *OAuthError {
	switch {
	case errors.Is(err, keystore.ErrNotAvailable),
		errors.Is(err, storage.ErrClientNotFound),
		errors.Is(err, storage.ErrTokenNotFound):
		return ErrNotFound(err.Error())
	case errors.Is(err, keystore.ErrConsentRequired):
		return NewOAuthError(ErrorCodeConsentRequired, "Export requires explicit consent", http.StatusForbidden)
	case errors.Is(err, keystore.ErrInvalidParameter):
		return ErrInvalidRequest(err.Error())
	}
	return flowError(err)
}
