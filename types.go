package edgeguard

import (
	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/edgeguard/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// BlockedResponse is returned when inbound inspection rejects a request.
type BlockedResponse struct {
	Error       string `json:"error"`
	Reason      string `json:"reason"`
	Fingerprint string `json:"fp"`
}

// ==================== OAuth2 Authorization Server Types ====================

// OpenIDConfiguration is the discovery document served under
// /oauth/.well-known/openid_configuration.
type OpenIDConfiguration struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// UserinfoEndpoint is the URL of the userinfo endpoint
	UserinfoEndpoint string `json:"userinfo_endpoint"`

	// JWKSURI is the URL of the key set document
	JWKSURI string `json:"jwks_uri"`

	// IntrospectionEndpoint is the URL of the RFC 7662 introspection endpoint
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the RFC 7009 revocation endpoint
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// JSONWebKeySet is the key set document. ID tokens are signed with a
// symmetric key, which is never published, so the set is always empty.
type JSONWebKeySet = jose.JSONWebKeySet

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the signed ID token, issued when openid was granted
	IDToken string `json:"id_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// ConsentResponse is the consent page returned by the authorization
// endpoint while the user has not yet agreed. The client repeats the same
// request with consent=true.
type ConsentResponse struct {
	ConsentRequired bool     `json:"consent_required"`
	ClientID        string   `json:"client_id"`
	ClientName      string   `json:"client_name"`
	Scopes          []string `json:"scopes"`
	RedirectURI     string   `json:"redirect_uri"`
	State           string   `json:"state,omitempty"`
	RiskScore       int      `json:"risk_score"`
	Decision        string   `json:"decision"`
}

// ==================== Operator Types ====================

// ClientRegistrationRequest is the body of /clients/register.
type ClientRegistrationRequest struct {
	// ClientID is optional; one is generated when empty
	ClientID string `json:"client_id,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// ClientType is one of web, mobile, desktop, service, device or spa
	ClientType string `json:"client_type,omitempty"`

	// TokenEndpointAuthMethod is the requested authentication method for the token endpoint
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// RedirectURIs is the array of redirection URIs for use in redirect-based flows
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// Scope is the space-separated list of scope values
	Scope string `json:"scope,omitempty"`

	// Strict starts the client on the strict security policy
	Strict bool `json:"strict,omitempty"`

	// Policy replaces the default security policy when set
	Policy *storage.ClientSecurityPolicy `json:"security_policy,omitempty"`
}

// ClientRegistrationResponse represents a client registration response
type ClientRegistrationResponse struct {
	// ClientID is the unique client identifier
	ClientID string `json:"client_id"`

	// ClientSecret is the client secret (for confidential clients). It is
	// only ever returned once.
	ClientSecret string `json:"client_secret,omitempty"`

	// ClientIDIssuedAt is the time the client_id was issued
	ClientIDIssuedAt int64 `json:"client_id_issued_at,omitempty"`

	// RedirectURIs is the array of redirection URIs
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is the authentication method for the token endpoint
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// ClientType indicates the client type
	ClientType string `json:"client_type,omitempty"`

	// SecurityPolicy is the policy the client starts with
	SecurityPolicy storage.ClientSecurityPolicy `json:"security_policy"`
}

// KeyMetaResponse is one entry of /keys/meta.
type KeyMetaResponse struct {
	ID        string `json:"id"`
	Version   uint32 `json:"ver"`
	CreatedMs int64  `json:"created_ms"`
	Status    string `json:"status"`
}

// KeyExportResponse is one entry of /keys/export_hex. KeyHex carries a
// sealed value when a sealing key is configured.
type KeyExportResponse struct {
	ID      string `json:"id"`
	Version uint32 `json:"ver"`
	KeyHex  string `json:"key_hex"`
	Sealed  bool   `json:"sealed,omitempty"`
}

// PurgeStatusResponse is the /anti_replay/purge/status document.
type PurgeStatusResponse struct {
	Enabled      bool   `json:"enabled"`
	Mode         string `json:"mode"`
	IntervalMs   int64  `json:"interval_ms"`
	NextMs       int64  `json:"next_ms"`
	Sensitivity  int    `json:"sensitivity"`
	BaseWindowMs int64  `json:"base_window_ms"`
	BaseCapacity int    `json:"base_capacity"`
	LastRemoved  int    `json:"last_removed"`
}

// RiskResponse is the /risk document.
type RiskResponse struct {
	Risk        int  `json:"risk"`
	CircuitOpen bool `json:"circuit_open"`
}
