package security

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request signing headers.
const (
	HeaderKeyID     = "X-MKT-KeyId"
	HeaderTimestamp = "X-MKT-Timestamp"
	HeaderNonce     = "X-MKT-Nonce"
	HeaderSignature = "X-MKT-Signature"
)

// Algorithm names the authentication a guard expects.
type Algorithm string

const (
	// AlgHMACSHA512 requires an HMAC-SHA512 request signature.
	AlgHMACSHA512 Algorithm = "hmac-sha512"
	// AlgOAuth2 requires a valid bearer token instead of a signature.
	AlgOAuth2 Algorithm = "oauth2"
	// AlgNone accepts nothing. A required guard with AlgNone rejects every request.
	AlgNone Algorithm = "none"
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(v string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(v))); a {
	case AlgHMACSHA512, AlgOAuth2, AlgNone:
		return a, nil
	}
	return "", fmt.Errorf("unsupported algorithm %q", v)
}

// BodyDigest selects how the body is folded into the canonical string.
type BodyDigest int

const (
	// DigestSHA512 uses the lowercase hex SHA-512 of the body.
	DigestSHA512 BodyDigest = iota

	// DigestLengthInsecure uses only the body length. Any body of the same
	// size verifies, so this mode must be enabled explicitly and is logged.
	DigestLengthInsecure
)

// BodyHash returns the lowercase hex SHA-512 of body.
func BodyHash(body []byte) string {
	sum := sha512.Sum512(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalString builds METHOD|path|content-type|timestamp|nonce|body-digest.
func CanonicalString(method, path, contentType string, tsMs int64, nonce string, body []byte, digest BodyDigest) string {
	bodyPart := BodyHash(body)
	if digest == DigestLengthInsecure {
		bodyPart = strconv.Itoa(len(body))
	}
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		contentType,
		strconv.FormatInt(tsMs, 10),
		nonce,
		bodyPart,
	}, "|")
}

// Sign returns the lowercase hex HMAC-SHA512 of canonical under secret.
func Sign(secret []byte, canonical string) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the four signing headers on r for body.
func SignRequest(r *http.Request, keyID string, secret []byte, tsMs int64, nonce string, body []byte) {
	canonical := CanonicalString(r.Method, r.URL.Path, r.Header.Get("Content-Type"), tsMs, nonce, body, DigestSHA512)
	r.Header.Set(HeaderKeyID, keyID)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(tsMs, 10))
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, Sign(secret, canonical))
}

// VerifyStep identifies which verification step failed.
type VerifyStep string

const (
	StepAlgorithm VerifyStep = "algorithm"
	StepHeaders   VerifyStep = "headers"
	StepTimestamp VerifyStep = "timestamp"
	StepReplay    VerifyStep = "anti_replay"
	StepKey       VerifyStep = "key"
	StepSignature VerifyStep = "signature"
)

// ErrSignatureInvalid is wrapped by every VerifyError.
var ErrSignatureInvalid = errors.New("invalid signature")

// VerifyError describes a failed verification.
type VerifyError struct {
	Step   VerifyStep
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature %s check failed: %s: %v", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("signature %s check failed: %s", e.Step, e.Reason)
}

// Unwrap lets errors.Is match ErrSignatureInvalid and the cause.
func (e *VerifyError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSignatureInvalid, e.Err}
	}
	return []error{ErrSignatureInvalid}
}

func verifyErr(step VerifyStep, reason string, err error) error {
	return &VerifyError{Step: step, Reason: reason, Err: err}
}

// KeyResolver returns the secret of an active key.
type KeyResolver interface {
	ActiveSecret(id string) ([]byte, error)
}

// NonceChecker records a nonce and rejects duplicates.
type NonceChecker interface {
	CheckAndMarkNonce(id, nonce string, tsMs int64) error
}

// SignedRequest is the part of an HTTP request covered by a signature.
type SignedRequest struct {
	Method      string
	Path        string
	ContentType string
	Header      http.Header
	Body        []byte
}

// Verifier checks HMAC request signatures against a guard configuration.
type Verifier struct {
	keys   KeyResolver
	nonces NonceChecker
	digest BodyDigest
	now    func() time.Time
	logger *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the clock.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithInsecureLengthDigest switches to the length-only body digest.
func WithInsecureLengthDigest() VerifierOption {
	return func(v *Verifier) { v.digest = DigestLengthInsecure }
}

// NewVerifier creates a verifier.
func NewVerifier(keys KeyResolver, nonces NonceChecker, logger *slog.Logger, opts ...VerifierOption) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		keys:   keys,
		nonces: nonces,
		digest: DigestSHA512,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.digest == DigestLengthInsecure {
		logger.Warn("SECURITY WARNING: request signatures cover body length only",
			"risk", "Request bodies can be swapped without detection",
			"recommendation", "Use the SHA-512 body digest")
	}
	return v
}

// Digest returns the body digest mode.
func (v *Verifier) Digest() BodyDigest {
	return v.digest
}

// Verify runs the checks in order and stops at the first failure:
// algorithm, headers, timestamp window, anti-replay, HMAC.
func (v *Verifier) Verify(guard GuardConfig, req SignedRequest) error {
	if guard.Algorithm != AlgHMACSHA512 {
		return verifyErr(StepAlgorithm, fmt.Sprintf("guard expects %q", guard.Algorithm), nil)
	}

	keyID := req.Header.Get(HeaderKeyID)
	tsRaw := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sigHex := req.Header.Get(HeaderSignature)
	if keyID == "" || tsRaw == "" || nonce == "" || sigHex == "" {
		return verifyErr(StepHeaders, "missing signing headers", nil)
	}
	if guard.KeyID != "" && keyID != guard.KeyID {
		return verifyErr(StepHeaders, "key id does not match guard", nil)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return verifyErr(StepTimestamp, "malformed timestamp", err)
	}
	if !WithinWindow(v.now(), ts, guard.TimestampWindowMs) {
		return verifyErr(StepTimestamp, "timestamp outside window", nil)
	}

	// Nonces are stamped with the server clock, not the request timestamp.
	if guard.AntiReplay {
		if err := v.nonces.CheckAndMarkNonce(keyID, nonce, v.now().UnixMilli()); err != nil {
			return verifyErr(StepReplay, "nonce rejected", err)
		}
	}

	secret, err := v.keys.ActiveSecret(keyID)
	if err != nil {
		return verifyErr(StepKey, "key unavailable", err)
	}
	defer clear(secret)

	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return verifyErr(StepSignature, "signature is not hex", err)
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(CanonicalString(req.Method, req.Path, req.ContentType, ts, nonce, req.Body, v.digest)))
	if !hmac.Equal(mac.Sum(nil), got) {
		return verifyErr(StepSignature, "mismatch", nil)
	}
	return nil
}
