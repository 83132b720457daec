package server

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// SecretSource resolves the active secret of a named key.
// *keystore.Store satisfies it.
type SecretSource interface {
	ActiveSecret(id string) ([]byte, error)
}

// IDTokenClaims are the claims carried by an ID token.
type IDTokenClaims struct {
	jwt.Claims
	Nonce     string `json:"nonce,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Scope     string `json:"scope,omitempty"`
	AuthTime  int64  `json:"auth_time,omitempty"`
}

// IDTokenSigner issues HS512 ID tokens with a key from the key store.
// Rotating the key invalidates outstanding ID tokens.
type IDTokenSigner struct {
	keys   SecretSource
	keyID  string
	issuer string
}

// NewIDTokenSigner creates an ID token signer.
func NewIDTokenSigner(keys SecretSource, keyID, issuer string) *IDTokenSigner {
	if keyID == "" {
		keyID = DefaultIDTokenKeyID
	}
	return &IDTokenSigner{keys: keys, keyID: keyID, issuer: issuer}
}

// KeyID returns the key store entry used for signing.
func (s *IDTokenSigner) KeyID() string {
	return s.keyID
}

// Sign issues an ID token for subject and audience valid for ttl.
func (s *IDTokenSigner) Sign(subject, audience, nonce, sessionID, scope string, now time.Time, ttl time.Duration) (string, error) {
	secret, err := s.keys.ActiveSecret(s.keyID)
	if err != nil {
		return "", fmt.Errorf("id token key %q: %w", s.keyID, err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.keyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS512, Key: secret}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	claims := IDTokenClaims{
		Claims: jwt.Claims{
			Issuer:   s.issuer,
			Subject:  subject,
			Audience: jwt.Audience{audience},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Nonce:     nonce,
		SessionID: sessionID,
		Scope:     scope,
		AuthTime:  now.Unix(),
	}

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return raw, nil
}

// Verify checks the signature, issuer, audience and expiry of an ID token.
func (s *IDTokenSigner) Verify(raw, audience string, now time.Time) (*IDTokenClaims, error) {
	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS512})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	secret, err := s.keys.ActiveSecret(s.keyID)
	if err != nil {
		return nil, fmt.Errorf("id token key %q: %w", s.keyID, err)
	}

	claims := &IDTokenClaims{}
	if err := parsed.Claims(secret, claims); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	}
	expected := jwt.Expected{
		Issuer:      s.issuer,
		AnyAudience: jwt.Audience{audience},
		Time:        now,
	}
	if err := claims.ValidateWithLeeway(expected, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
