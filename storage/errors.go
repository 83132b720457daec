package storage

import "errors"

// Sentinel errors returned by store implementations and the managers built
// on top of them. Callers compare with errors.Is.
var (
	ErrClientNotFound    = errors.New("client not found")
	ErrClientDisabled    = errors.New("client is disabled")
	ErrInvalidSecret     = errors.New("invalid client secret")
	ErrRateLimitExceeded = errors.New("client rate limit exceeded")

	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenRevoked   = errors.New("token has been revoked")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenSuspended = errors.New("token is suspended")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrClientMismatch = errors.New("token was issued to another client")
)
