package storage

import (
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/edgeguard/security"
)

// TokenType identifies the kind of token.
type TokenType string

const (
	TokenTypeAccess            TokenType = "access_token"
	TokenTypeRefresh           TokenType = "refresh_token"
	TokenTypeID                TokenType = "id_token"
	TokenTypeAuthorizationCode TokenType = "authorization_code"
)

// Prefix is prepended to generated token values.
func (t TokenType) Prefix() string {
	switch t {
	case TokenTypeAccess:
		return "at_"
	case TokenTypeRefresh:
		return "rt_"
	case TokenTypeID:
		return "id_"
	case TokenTypeAuthorizationCode:
		return "ac_"
	default:
		return ""
	}
}

// TokenStatus is the lifecycle state of a token. Status is authoritative:
// a token that is not Active never validates, whatever its expiry.
type TokenStatus string

const (
	TokenStatusActive    TokenStatus = "active"
	TokenStatusExpired   TokenStatus = "expired"
	TokenStatusRevoked   TokenStatus = "revoked"
	TokenStatusSuspended TokenStatus = "suspended"
)

// Scopes records what was asked for and what was granted.
type Scopes struct {
	Granted   []string `json:"granted"`
	Requested []string `json:"requested"`
	Denied    []string `json:"denied"`
}

// NewScopes computes Denied as requested minus granted.
func NewScopes(granted, requested []string) Scopes {
	denied := make([]string, 0)
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			denied = append(denied, s)
		}
	}
	return Scopes{
		Granted:   slices.Clone(granted),
		Requested: slices.Clone(requested),
		Denied:    denied,
	}
}

// Has reports whether scope was granted.
func (s Scopes) Has(scope string) bool {
	return slices.Contains(s.Granted, scope)
}

// HasAny reports whether any of the scopes was granted.
func (s Scopes) HasAny(scopes ...string) bool {
	for _, sc := range scopes {
		if s.Has(sc) {
			return true
		}
	}
	return false
}

// String joins the granted scopes with spaces.
func (s Scopes) String() string {
	return strings.Join(s.Granted, " ")
}

func (s Scopes) clone() Scopes {
	return Scopes{
		Granted:   slices.Clone(s.Granted),
		Requested: slices.Clone(s.Requested),
		Denied:    slices.Clone(s.Denied),
	}
}

// TokenContext is the request context a token was issued in.
type TokenContext struct {
	Geo               GeoContext `json:"geo"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
}

// Token is a bearer token or authorization code.
type Token struct {
	Type       TokenType     `json:"token_type"`
	Value      string        `json:"-"`
	ClientID   string        `json:"client_id"`
	UserID     string        `json:"user_id,omitempty"`
	Scopes     Scopes        `json:"scopes"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	LastUsedAt time.Time     `json:"last_used_at,omitzero"`
	UsageCount int           `json:"usage_count"`
	Status     TokenStatus   `json:"status"`
	SessionID  string        `json:"session_id,omitempty"`
	Context    *TokenContext `json:"context,omitempty"`

	// Authorization code binding.
	RedirectURI         string `json:"redirect_uri,omitempty"`
	CodeChallenge       string `json:"-"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Nonce               string `json:"-"`
}

// Validate checks status first, then expiry at now.
func (t *Token) Validate(now time.Time) error {
	switch t.Status {
	case TokenStatusRevoked:
		return ErrTokenRevoked
	case TokenStatusSuspended:
		return ErrTokenSuspended
	case TokenStatusExpired:
		return ErrTokenExpired
	}
	if security.IsExpired(now, t.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// IsLive reports whether the token is Active and unexpired at now.
func (t *Token) IsLive(now time.Time) bool {
	return t.Validate(now) == nil
}

// MarkUsed records a use at now.
func (t *Token) MarkUsed(now time.Time) {
	t.LastUsedAt = now
	t.UsageCount++
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = t.Scopes.clone()
	if t.Context != nil {
		c := *t.Context
		out.Context = &c
	}
	return &out
}

// TokenStatistics summarises the token population.
type TokenStatistics struct {
	TotalTokens     int `json:"total_tokens"`
	ActiveTokens    int `json:"active_tokens"`
	ExpiredTokens   int `json:"expired_tokens"`
	RevokedTokens   int `json:"revoked_tokens"`
	SuspendedTokens int `json:"suspended_tokens"`

	AccessTokens       int `json:"access_tokens"`
	RefreshTokens      int `json:"refresh_tokens"`
	IDTokens           int `json:"id_tokens"`
	AuthorizationCodes int `json:"authorization_codes"`
}

// Add counts t at now. Active tokens past their expiry count as expired.
func (s *TokenStatistics) Add(t *Token, now time.Time) {
	s.TotalTokens++

	switch t.Type {
	case TokenTypeAccess:
		s.AccessTokens++
	case TokenTypeRefresh:
		s.RefreshTokens++
	case TokenTypeID:
		s.IDTokens++
	case TokenTypeAuthorizationCode:
		s.AuthorizationCodes++
	}

	switch t.Status {
	case TokenStatusActive:
		if security.IsExpired(now, t.ExpiresAt) {
			s.ExpiredTokens++
		} else {
			s.ActiveTokens++
		}
	case TokenStatusExpired:
		s.ExpiredTokens++
	case TokenStatusRevoked:
		s.RevokedTokens++
	case TokenStatusSuspended:
		s.SuspendedTokens++
	}
}
