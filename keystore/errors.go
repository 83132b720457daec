package keystore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAvailable is returned when a key id is unknown to the store.
	ErrNotAvailable = errors.New("key not available")

	// ErrInvalidParameter is returned for malformed ids, versions, lengths and nonces.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConsentRequired is returned when key material is exported without explicit consent.
	ErrConsentRequired = errors.New("export requires explicit consent")

	// ErrDuplicateNonce is returned when a nonce was already seen inside the replay window.
	// It wraps ErrInvalidParameter so callers mapping parameter errors keep working.
	ErrDuplicateNonce = fmt.Errorf("%w: duplicate nonce", ErrInvalidParameter)
)

func fmtInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, msg)
}
