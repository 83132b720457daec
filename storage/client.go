package storage

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// ClientType classifies a registered client.
type ClientType string

const (
	ClientTypeWeb     ClientType = "web"
	ClientTypeMobile  ClientType = "mobile"
	ClientTypeDesktop ClientType = "desktop"
	ClientTypeService ClientType = "service"
	ClientTypeDevice  ClientType = "device"
	ClientTypeSPA     ClientType = "spa"
)

// ParseClientType parses a client type name (case-insensitive).
func ParseClientType(v string) (ClientType, error) {
	switch ct := ClientType(strings.ToLower(strings.TrimSpace(v))); ct {
	case ClientTypeWeb, ClientTypeMobile, ClientTypeDesktop, ClientTypeService, ClientTypeDevice, ClientTypeSPA:
		return ct, nil
	default:
		return "", fmt.Errorf("unknown client type %q", v)
	}
}

// IsConfidential reports whether clients of this type can keep a secret.
// Only web and service clients are confidential.
func (t ClientType) IsConfidential() bool {
	return t == ClientTypeWeb || t == ClientTypeService
}

// AuthMethod is the token endpoint authentication method of a client.
type AuthMethod string

const (
	AuthMethodClientSecret AuthMethod = "client_secret_basic"
	AuthMethodCertificate  AuthMethod = "tls_client_auth"
	AuthMethodPrivateKey   AuthMethod = "private_key_jwt"
	AuthMethodNone         AuthMethod = "none"
)

// GrantType is an OAuth2 grant type.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantPassword          GrantType = "password"
	GrantDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// ResponseType is an OAuth2 authorization response type.
type ResponseType string

const (
	ResponseTypeCode    ResponseType = "code"
	ResponseTypeToken   ResponseType = "token"
	ResponseTypeIDToken ResponseType = "id_token"
)

// Verification requirements that adaptive security may add to a policy.
const (
	VerifyMultiFactor   = "multi_factor"
	VerifyDevice        = "device_verification"
	VerifyGeographic    = "geographic_verification"
	VerifyBehavioral    = "behavioral_verification"
	VerifyAdminApproval = "admin_approval"
)

// GeoContext is where a request came from. Country and city are supplied by
// an external geolocation resolver; empty values skip the matching check.
type GeoContext struct {
	Country   string `json:"country,omitempty"`
	City      string `json:"city,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// GeoRestrictions limits where a client may be used from. IP ranges are a
// single address, a CIDR prefix or an inclusive "first-last" range.
type GeoRestrictions struct {
	AllowedCountries []string `json:"allowed_countries,omitempty" yaml:"allowed_countries,omitempty"`
	DeniedCountries  []string `json:"denied_countries,omitempty" yaml:"denied_countries,omitempty"`
	AllowedCities    []string `json:"allowed_cities,omitempty" yaml:"allowed_cities,omitempty"`
	DeniedCities     []string `json:"denied_cities,omitempty" yaml:"denied_cities,omitempty"`
	AllowedIPRanges  []string `json:"allowed_ip_ranges,omitempty" yaml:"allowed_ip_ranges,omitempty"`
	DeniedIPRanges   []string `json:"denied_ip_ranges,omitempty" yaml:"denied_ip_ranges,omitempty"`
}

// Allows reports whether a request from ctx satisfies the restrictions.
// Deny lists win over allow lists; an empty allow list allows everything.
func (g GeoRestrictions) Allows(ctx GeoContext) bool {
	if ctx.Country != "" {
		if len(g.AllowedCountries) > 0 && !slices.Contains(g.AllowedCountries, ctx.Country) {
			return false
		}
		if slices.Contains(g.DeniedCountries, ctx.Country) {
			return false
		}
	}

	if ctx.City != "" {
		if len(g.AllowedCities) > 0 && !slices.Contains(g.AllowedCities, ctx.City) {
			return false
		}
		if slices.Contains(g.DeniedCities, ctx.City) {
			return false
		}
	}

	if ctx.IPAddress == "" {
		return true
	}
	addr, err := netip.ParseAddr(ctx.IPAddress)
	if err != nil {
		// Unparseable addresses only pass when no IP rule exists.
		return len(g.AllowedIPRanges) == 0 && len(g.DeniedIPRanges) == 0
	}
	addr = addr.Unmap()

	for _, r := range g.DeniedIPRanges {
		if ipInRange(addr, r) {
			return false
		}
	}
	if len(g.AllowedIPRanges) == 0 {
		return true
	}
	for _, r := range g.AllowedIPRanges {
		if ipInRange(addr, r) {
			return true
		}
	}
	return false
}

// Validate checks that every IP range parses.
func (g GeoRestrictions) Validate() error {
	for _, r := range append(slices.Clone(g.AllowedIPRanges), g.DeniedIPRanges...) {
		if !validIPRange(r) {
			return fmt.Errorf("invalid ip range %q", r)
		}
	}
	return nil
}

func ipInRange(addr netip.Addr, r string) bool {
	r = strings.TrimSpace(r)
	switch {
	case strings.Contains(r, "/"):
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			return false
		}
		return prefix.Contains(addr)
	case strings.Contains(r, "-"):
		lo, hi, ok := strings.Cut(r, "-")
		if !ok {
			return false
		}
		first, err1 := netip.ParseAddr(strings.TrimSpace(lo))
		last, err2 := netip.ParseAddr(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil {
			return false
		}
		first, last = first.Unmap(), last.Unmap()
		if first.BitLen() != addr.BitLen() || last.BitLen() != addr.BitLen() {
			return false
		}
		return addr.Compare(first) >= 0 && addr.Compare(last) <= 0
	default:
		single, err := netip.ParseAddr(r)
		return err == nil && single.Unmap() == addr
	}
}

func validIPRange(r string) bool {
	r = strings.TrimSpace(r)
	switch {
	case strings.Contains(r, "/"):
		_, err := netip.ParsePrefix(r)
		return err == nil
	case strings.Contains(r, "-"):
		lo, hi, _ := strings.Cut(r, "-")
		_, err1 := netip.ParseAddr(strings.TrimSpace(lo))
		_, err2 := netip.ParseAddr(strings.TrimSpace(hi))
		return err1 == nil && err2 == nil
	default:
		_, err := netip.ParseAddr(r)
		return err == nil
	}
}

// ClientSecurityPolicy is the per-client rule set. It is pure data; the
// client registry enforces it.
type ClientSecurityPolicy struct {
	MaxRequestsPerMinute int   `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MaxRequestsPerHour   int   `json:"max_requests_per_hour" yaml:"max_requests_per_hour"`
	MaxRequestSize       int64 `json:"max_request_size" yaml:"max_request_size"`

	AllowedScopes        []string       `json:"allowed_scopes" yaml:"allowed_scopes"`
	DeniedScopes         []string       `json:"denied_scopes,omitempty" yaml:"denied_scopes,omitempty"`
	AllowedGrantTypes    []GrantType    `json:"allowed_grant_types" yaml:"allowed_grant_types"`
	AllowedResponseTypes []ResponseType `json:"allowed_response_types" yaml:"allowed_response_types"`

	// AllowedRedirectURIs are prefixes. An empty list allows any redirect URI.
	AllowedRedirectURIs []string `json:"allowed_redirect_uris,omitempty" yaml:"allowed_redirect_uris,omitempty"`

	GeoRestrictions          GeoRestrictions `json:"geographic_restrictions" yaml:"geographic_restrictions"`
	VerificationRequirements []string        `json:"verification_requirements,omitempty" yaml:"verification_requirements,omitempty"`

	BehavioralMonitoring bool `json:"enable_behavioral_monitoring" yaml:"enable_behavioral_monitoring"`
	GeographicAnalysis   bool `json:"enable_geographic_analysis" yaml:"enable_geographic_analysis"`
}

// DefaultClientSecurityPolicy is assigned to newly registered clients.
func DefaultClientSecurityPolicy() ClientSecurityPolicy {
	return ClientSecurityPolicy{
		MaxRequestsPerMinute: 100,
		MaxRequestsPerHour:   1000,
		MaxRequestSize:       1 << 20,
		AllowedScopes:        []string{"read", "write", "openid", "profile", "email", "offline_access"},
		AllowedGrantTypes:    []GrantType{GrantAuthorizationCode, GrantClientCredentials, GrantRefreshToken},
		AllowedResponseTypes: []ResponseType{ResponseTypeCode},
		BehavioralMonitoring: true,
		GeographicAnalysis:   true,
	}
}

// StrictClientSecurityPolicy is a locked-down policy for high-risk clients.
func StrictClientSecurityPolicy() ClientSecurityPolicy {
	return ClientSecurityPolicy{
		MaxRequestsPerMinute:     20,
		MaxRequestsPerHour:       200,
		MaxRequestSize:           512 << 10,
		AllowedScopes:            []string{"read", "openid"},
		DeniedScopes:             []string{"admin", "system"},
		AllowedGrantTypes:        []GrantType{GrantAuthorizationCode},
		AllowedResponseTypes:     []ResponseType{ResponseTypeCode},
		VerificationRequirements: []string{VerifyMultiFactor},
		BehavioralMonitoring:     true,
		GeographicAnalysis:       true,
	}
}

// ScopeAllowed reports whether scope is allowed and not denied.
func (p ClientSecurityPolicy) ScopeAllowed(scope string) bool {
	if slices.Contains(p.DeniedScopes, scope) {
		return false
	}
	return slices.Contains(p.AllowedScopes, scope)
}

// GrantTypeAllowed reports whether the grant type is allowed.
func (p ClientSecurityPolicy) GrantTypeAllowed(gt GrantType) bool {
	return slices.Contains(p.AllowedGrantTypes, gt)
}

// ResponseTypeAllowed reports whether the response type is allowed.
func (p ClientSecurityPolicy) ResponseTypeAllowed(rt ResponseType) bool {
	return slices.Contains(p.AllowedResponseTypes, rt)
}

// RedirectURIAllowed matches uri against the allowed prefixes.
func (p ClientSecurityPolicy) RedirectURIAllowed(uri string) bool {
	if len(p.AllowedRedirectURIs) == 0 {
		return true
	}
	for _, prefix := range p.AllowedRedirectURIs {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

// Requires reports whether the verification requirement is present.
func (p ClientSecurityPolicy) Requires(requirement string) bool {
	return slices.Contains(p.VerificationRequirements, requirement)
}

// Validate checks limits and IP ranges.
func (p ClientSecurityPolicy) Validate() error {
	if p.MaxRequestsPerMinute < 0 || p.MaxRequestsPerHour < 0 || p.MaxRequestSize < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return p.GeoRestrictions.Validate()
}

// Clone returns a deep copy.
func (p ClientSecurityPolicy) Clone() ClientSecurityPolicy {
	out := p
	out.AllowedScopes = slices.Clone(p.AllowedScopes)
	out.DeniedScopes = slices.Clone(p.DeniedScopes)
	out.AllowedGrantTypes = slices.Clone(p.AllowedGrantTypes)
	out.AllowedResponseTypes = slices.Clone(p.AllowedResponseTypes)
	out.AllowedRedirectURIs = slices.Clone(p.AllowedRedirectURIs)
	out.VerificationRequirements = slices.Clone(p.VerificationRequirements)
	out.GeoRestrictions = GeoRestrictions{
		AllowedCountries: slices.Clone(p.GeoRestrictions.AllowedCountries),
		DeniedCountries:  slices.Clone(p.GeoRestrictions.DeniedCountries),
		AllowedCities:    slices.Clone(p.GeoRestrictions.AllowedCities),
		DeniedCities:     slices.Clone(p.GeoRestrictions.DeniedCities),
		AllowedIPRanges:  slices.Clone(p.GeoRestrictions.AllowedIPRanges),
		DeniedIPRanges:   slices.Clone(p.GeoRestrictions.DeniedIPRanges),
	}
	return out
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string               `json:"client_id"`
	ClientName       string               `json:"client_name"`
	ClientType       ClientType           `json:"client_type"`
	AuthMethod       AuthMethod           `json:"token_endpoint_auth_method"`
	ClientSecretHash string               `json:"-"` // bcrypt hash
	SecurityPolicy   ClientSecurityPolicy `json:"security_policy"`
	RegisteredAt     time.Time            `json:"registered_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	LastActivity     time.Time            `json:"last_activity,omitzero"`
	Active           bool                 `json:"is_active"`

	// Request counters. Each window starts with the first request after
	// the previous window elapsed.
	MinuteRequests    int       `json:"current_minute_requests"`
	HourRequests      int       `json:"current_hour_requests"`
	MinuteWindowStart time.Time `json:"-"`
	HourWindowStart   time.Time `json:"-"`
}

// HasSecret reports whether the client was issued a secret.
func (c *Client) HasSecret() bool {
	return c.ClientSecretHash != ""
}

// RecordRequest counts a request at now and returns ErrRateLimitExceeded
// once either window is over its limit. Zero limits disable the check.
func (c *Client) RecordRequest(now time.Time) error {
	c.LastActivity = now

	if c.MinuteWindowStart.IsZero() || now.Sub(c.MinuteWindowStart) >= time.Minute {
		c.MinuteWindowStart = now
		c.MinuteRequests = 0
	}
	if c.HourWindowStart.IsZero() || now.Sub(c.HourWindowStart) >= time.Hour {
		c.HourWindowStart = now
		c.HourRequests = 0
	}

	c.MinuteRequests++
	c.HourRequests++

	p := c.SecurityPolicy
	if p.MaxRequestsPerMinute > 0 && c.MinuteRequests > p.MaxRequestsPerMinute {
		return ErrRateLimitExceeded
	}
	if p.MaxRequestsPerHour > 0 && c.HourRequests > p.MaxRequestsPerHour {
		return ErrRateLimitExceeded
	}
	return nil
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.SecurityPolicy = c.SecurityPolicy.Clone()
	return &out
}
