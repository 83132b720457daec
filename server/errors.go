package server

import "errors"

// OAuth 2.0 error codes from RFC 6749 and RFC 6750.
// The root package maps these to HTTP statuses; keep the two lists in sync.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeServerError          = "server_error"
)

// Flow errors. Wrap them with fmt.Errorf("%w: detail", ...) so the handler
// can recover the OAuth error code with ErrorCode.
var (
	ErrInvalidRequest       = errors.New(ErrorCodeInvalidRequest)
	ErrInvalidClient        = errors.New(ErrorCodeInvalidClient)
	ErrInvalidGrant         = errors.New(ErrorCodeInvalidGrant)
	ErrInvalidScope         = errors.New(ErrorCodeInvalidScope)
	ErrUnsupportedGrantType = errors.New(ErrorCodeUnsupportedGrantType)
	ErrAccessDenied         = errors.New(ErrorCodeAccessDenied)
	ErrInvalidToken         = errors.New(ErrorCodeInvalidToken)
	ErrInsufficientScope    = errors.New(ErrorCodeInsufficientScope)
)

var flowErrors = []error{
	ErrInvalidRequest,
	ErrInvalidClient,
	ErrInvalidGrant,
	ErrInvalidScope,
	ErrUnsupportedGrantType,
	ErrAccessDenied,
	ErrInvalidToken,
	ErrInsufficientScope,
}

// ErrorCode returns the OAuth error code carried by err, or server_error.
func ErrorCode(err error) string {
	for _, fe := range flowErrors {
		if errors.Is(err, fe) {
			return fe.Error()
		}
	}
	return ErrorCodeServerError
}
