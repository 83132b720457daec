package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
)

// Scopes with protocol meaning.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeOfflineAccess = "offline_access"
)

// AuthorizeRequest is a parsed authorization request.
type AuthorizeRequest struct {
	ClientID            string
	ResponseType        string
	RedirectURI         string
	Scopes              []string
	State               string
	UserID              string
	Consent             bool
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Context             RequestContext
}

// AuthorizeResult is the outcome of a valid authorization request. When
// ConsentRequired is set no code was issued.
type AuthorizeResult struct {
	Client          *storage.Client
	ConsentRequired bool
	Code            string
	RedirectURL     string
	ExpiresIn       int64
	Adaptation      Adaptation
}

// Authorize validates an authorization request, adapts the client's policy
// to the assessed risk and, once the user consented, issues a single-use
// authorization code.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, strings.Join(req.Scopes, " "))

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil || !client.Active {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.UserID, req.ClientID, req.Context.IPAddress, ErrorCodeInvalidClient)
		}
		instrumentation.SetSpanError(span, ErrorCodeInvalidClient)
		return nil, fmt.Errorf("%w: client not found or disabled", ErrInvalidClient)
	}

	if err := s.validateAuthorizeRequest(client, req); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.UserID, req.ClientID, req.Context.IPAddress, err.Error())
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	adaptation := s.AssessAndAdapt(ctx, client, req.UserID, req.Context)
	instrumentation.AddRiskAttributes(span, adaptation.Assessment.Overall, false)

	result := &AuthorizeResult{Client: client, Adaptation: adaptation}
	if !req.Consent {
		result.ConsentRequired = true
		return result, nil
	}

	code, err := s.CreateToken(ctx, TokenParams{
		Type:                storage.TokenTypeAuthorizationCode,
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		Scopes:              storage.NewScopes(req.Scopes, req.Scopes),
		Context:             req.Context.TokenContext(),
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	q := redirect.Query()
	q.Set("code", code.Value)
	q.Set("state", req.State)
	redirect.RawQuery = q.Encode()

	result.Code = code.Value
	result.RedirectURL = redirect.String()
	result.ExpiresIn = s.Config.AuthorizationCodeTTL

	s.auditEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    req.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.Context.IPAddress,
		Details:   map[string]any{"pkce": req.CodeChallenge != ""},
	})
	if s.metrics != nil {
		s.metrics.RecordAuthorizationCode(ctx, client.ClientID, req.CodeChallenge != "")
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Server) validateAuthorizeRequest(client *storage.Client, req AuthorizeRequest) error {
	policy := client.SecurityPolicy
	if !policy.ResponseTypeAllowed(storage.ResponseType(req.ResponseType)) {
		return fmt.Errorf("%w: response_type %q is not allowed", ErrInvalidRequest, req.ResponseType)
	}
	if !policy.GrantTypeAllowed(storage.GrantAuthorizationCode) {
		return fmt.Errorf("%w: client may not use the authorization code grant", ErrInvalidRequest)
	}
	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validateScopes(policy, req.Scopes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	if err := s.validatePKCEChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !policy.GeoRestrictions.Allows(req.Context.Geo()) {
		return fmt.Errorf("%w: request origin is not allowed for this client", ErrAccessDenied)
	}
	return nil
}

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scopes       []string
	Context      RequestContext
}

// TokenResult is what the token endpoint returns. RefreshToken and IDToken
// are optional.
type TokenResult struct {
	AccessToken  *storage.Token
	RefreshToken *storage.Token
	IDToken      string
	ExpiresIn    int64
}

// Scope returns the granted scopes as a space separated string.
func (r *TokenResult) Scope() string {
	return r.AccessToken.Scopes.String()
}

// Token runs the token endpoint for the authorization_code,
// client_credentials and refresh_token grants.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Token")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID))

	client, err := s.ValidateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, clientError(err)
	}

	grant := storage.GrantType(req.GrantType)
	if !client.SecurityPolicy.GrantTypeAllowed(grant) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrantType, req.GrantType)
	}

	var result *TokenResult
	switch grant {
	case storage.GrantAuthorizationCode:
		result, err = s.exchangeAuthorizationCode(ctx, client, req)
	case storage.GrantClientCredentials:
		result, err = s.clientCredentials(ctx, client, req)
	case storage.GrantRefreshToken:
		result, err = s.refreshAccessToken(ctx, client, req)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedGrantType, req.GrantType)
	}
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ClientID, req.Context.IPAddress, err.Error())
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(result.AccessToken.UserID, client.ClientID, req.Context.IPAddress,
			string(storage.TokenTypeAccess), result.Scope())
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, req.GrantType, string(storage.TokenTypeAccess))
		if result.RefreshToken != nil {
			s.metrics.RecordTokenIssued(ctx, req.GrantType, string(storage.TokenTypeRefresh))
		}
		if result.IDToken != "" {
			s.metrics.RecordTokenIssued(ctx, req.GrantType, string(storage.TokenTypeID))
		}
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// clientError maps a client validation failure. Rate limiting is an
// authorization failure, everything else is invalid_client.
func clientError(err error) error {
	if errors.Is(err, storage.ErrRateLimitExceeded) {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidClient, err)
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResult, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidGrant)
	}

	// Validation and redemption happen under one store lock so a code can
	// only be exchanged once.
	now := s.now()
	code, err := s.tokenStore.UpdateToken(ctx, req.Code, func(t *storage.Token) error {
		if t.Type != storage.TokenTypeAuthorizationCode {
			return storage.ErrWrongTokenType
		}
		if err := t.Validate(now); err != nil {
			return err
		}
		if t.ClientID != client.ClientID {
			return storage.ErrClientMismatch
		}
		if t.RedirectURI != "" && req.RedirectURI != "" && t.RedirectURI != req.RedirectURI {
			return fmt.Errorf("redirect_uri does not match the authorization request")
		}
		if err := s.validatePKCE(t.CodeChallenge, t.CodeChallengeMethod, req.CodeVerifier); err != nil {
			return err
		}
		t.Status = storage.TokenStatusRevoked
		t.MarkUsed(now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	access, err := s.CreateToken(ctx, TokenParams{
		Type:      storage.TokenTypeAccess,
		ClientID:  client.ClientID,
		UserID:    code.UserID,
		Scopes:    code.Scopes,
		SessionID: code.SessionID,
		Context:   code.Context,
	})
	if err != nil {
		return nil, err
	}
	result := &TokenResult{AccessToken: access, ExpiresIn: s.Config.AccessTokenTTL}

	if code.Scopes.Has(ScopeOfflineAccess) || containsScope(req.Scopes, ScopeOfflineAccess) {
		refresh, err := s.CreateToken(ctx, TokenParams{
			Type:      storage.TokenTypeRefresh,
			ClientID:  client.ClientID,
			UserID:    code.UserID,
			Scopes:    code.Scopes,
			SessionID: code.SessionID,
			Context:   code.Context,
		})
		if err != nil {
			return nil, err
		}
		result.RefreshToken = refresh
	}

	if code.Scopes.Has(ScopeOpenID) && s.IDTokens != nil {
		idToken, err := s.IDTokens.Sign(code.UserID, client.ClientID, code.Nonce, code.SessionID,
			code.Scopes.String(), now, s.lifetime(storage.TokenTypeID))
		if err != nil {
			s.Logger.Warn("Failed to issue ID token", "client_id", client.ClientID, "error", err)
		} else {
			result.IDToken = idToken
		}
	}

	return result, nil
}

func (s *Server) clientCredentials(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResult, error) {
	if !client.ClientType.IsConfidential() {
		return nil, fmt.Errorf("%w: public clients cannot use client_credentials", ErrInvalidClient)
	}
	if err := validateScopes(client.SecurityPolicy, req.Scopes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}

	access, err := s.CreateToken(ctx, TokenParams{
		Type:     storage.TokenTypeAccess,
		ClientID: client.ClientID,
		Scopes:   storage.NewScopes(req.Scopes, req.Scopes),
		Context:  req.Context.TokenContext(),
	})
	if err != nil {
		return nil, err
	}
	return &TokenResult{AccessToken: access, ExpiresIn: s.Config.AccessTokenTTL}, nil
}

func (s *Server) refreshAccessToken(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResult, error) {
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidGrant)
	}

	refresh, err := s.RotateRefreshToken(ctx, req.RefreshToken, client.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	access, err := s.CreateToken(ctx, TokenParams{
		Type:      storage.TokenTypeAccess,
		ClientID:  client.ClientID,
		UserID:    refresh.UserID,
		Scopes:    refresh.Scopes,
		SessionID: refresh.SessionID,
		Context:   refresh.Context,
	})
	if err != nil {
		return nil, err
	}
	return &TokenResult{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.Config.AccessTokenTTL}, nil
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Introspection is an RFC 7662 introspection response.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// Introspect authenticates the caller and describes a token. Any failure
// to find or validate the token yields an inactive response.
func (s *Server) Introspect(ctx context.Context, clientID, clientSecret, value string) (*Introspection, error) {
	if _, err := s.ValidateClient(ctx, clientID, clientSecret); err != nil {
		return nil, clientError(err)
	}

	token, err := s.ValidateToken(ctx, value)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordIntrospection(ctx, false)
		}
		return &Introspection{Active: false}, nil
	}

	if s.metrics != nil {
		s.metrics.RecordIntrospection(ctx, true)
	}
	return &Introspection{
		Active:    true,
		Scope:     token.Scopes.String(),
		ClientID:  token.ClientID,
		TokenType: string(token.Type),
		Exp:       token.ExpiresAt.Unix(),
		Iat:       token.CreatedAt.Unix(),
		Sub:       token.UserID,
		Aud:       token.ClientID,
		Iss:       s.Config.Issuer,
		SessionID: token.SessionID,
	}, nil
}

// UserInfo is the userinfo endpoint response.
type UserInfo struct {
	Sub       string `json:"sub"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	SessionID string `json:"sid,omitempty"`
	AuthTime  int64  `json:"auth_time"`
}

// UserInfo resolves a bearer access token. The token must carry openid or
// profile.
func (s *Server) UserInfo(ctx context.Context, bearer string) (*UserInfo, error) {
	token, err := s.ValidateToken(ctx, bearer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if token.Type != storage.TokenTypeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	if !token.Scopes.HasAny(ScopeOpenID, ScopeProfile) {
		return nil, fmt.Errorf("%w: openid or profile scope required", ErrInsufficientScope)
	}

	if _, err := s.UseToken(ctx, bearer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &UserInfo{
		Sub:       token.UserID,
		ClientID:  token.ClientID,
		Scope:     token.Scopes.String(),
		SessionID: token.SessionID,
		AuthTime:  token.CreatedAt.Unix(),
	}, nil
}

// Revoke revokes a token on behalf of the client it was issued to.
// Revoking a refresh token also revokes the rest of its session. Callers
// answer 200 whatever the result, so errors are only for logging.
func (s *Server) Revoke(ctx context.Context, clientID, clientSecret, value string) error {
	if _, err := s.ValidateClient(ctx, clientID, clientSecret); err != nil {
		return clientError(err)
	}

	token, err := s.tokenStore.GetToken(ctx, value)
	if err != nil {
		return err
	}
	if token.ClientID != clientID {
		return storage.ErrClientMismatch
	}

	if err := s.RevokeToken(ctx, value); err != nil {
		return err
	}
	if token.Type == storage.TokenTypeRefresh {
		if n, err := s.revokeSession(ctx, token.SessionID); err == nil && n > 0 {
			s.Logger.Debug("Revoked session tokens", "session_id", token.SessionID, "count", n)
		}
	}
	return nil
}

// ExpiresIn returns the remaining lifetime of t at now in whole seconds.
func ExpiresIn(t *storage.Token, now time.Time) int64 {
	return max(int64(t.ExpiresAt.Sub(now)/time.Second), 0)
}
