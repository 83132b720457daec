package server

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/edgeguard/internal/testutil"
	"github.com/giantswarm/edgeguard/storage"
)

const testRedirect = "https://app.example.com/callback"

var browserContext = RequestContext{
	IPAddress:         "10.0.0.5",
	UserAgent:         "Mozilla/5.0",
	DeviceFingerprint: "fp-laptop",
}

func authorizeRequest(clientID, challenge string, scopes ...string) AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:            clientID,
		ResponseType:        "code",
		RedirectURI:         testRedirect,
		Scopes:              scopes,
		State:               "xyz",
		UserID:              "alice",
		Consent:             true,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Nonce:               "n-0S6",
		Context:             browserContext,
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerWeb(t, "web")
	challenge, verifier := testutil.GeneratePKCEPair()

	res, err := env.srv.Authorize(ctx, authorizeRequest("web", challenge, "openid", "profile", "offline_access"))
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if res.ConsentRequired || res.Code == "" {
		t.Fatalf("expected a code, got %+v", res)
	}
	if res.ExpiresIn != DefaultAuthorizationCodeTTL {
		t.Errorf("ExpiresIn = %d", res.ExpiresIn)
	}

	redirect, err := url.Parse(res.RedirectURL)
	if err != nil {
		t.Fatalf("bad redirect URL %q: %v", res.RedirectURL, err)
	}
	if redirect.Query().Get("code") != res.Code || redirect.Query().Get("state") != "xyz" {
		t.Errorf("redirect URL = %q", res.RedirectURL)
	}

	tokenReq := TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web",
		ClientSecret: secret,
		Code:         res.Code,
		RedirectURI:  testRedirect,
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier-0",
	}
	if _, err := env.srv.Token(ctx, tokenReq); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("wrong verifier: error = %v, want invalid_grant", err)
	}

	tokenReq.CodeVerifier = verifier
	result, err := env.srv.Token(ctx, tokenReq)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if result.AccessToken == nil || result.RefreshToken == nil {
		t.Fatalf("expected access and refresh tokens, got %+v", result)
	}
	if result.ExpiresIn != DefaultAccessTokenTTL {
		t.Errorf("ExpiresIn = %d", result.ExpiresIn)
	}
	if result.Scope() != "openid profile offline_access" {
		t.Errorf("Scope() = %q", result.Scope())
	}
	if result.AccessToken.UserID != "alice" || result.AccessToken.SessionID != result.RefreshToken.SessionID {
		t.Errorf("tokens not bound to the grant: %+v", result.AccessToken)
	}

	claims, err := env.srv.IDTokens.Verify(result.IDToken, "web", env.clock.Now())
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Nonce != "n-0S6" || claims.Issuer != "https://auth.example.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := env.srv.Token(ctx, tokenReq); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange: error = %v, want invalid_grant", err)
	}
}

func TestAuthorize_ConsentRequired(t *testing.T) {
	env := newTestEnv(t)
	env.registerWeb(t, "web")

	req := authorizeRequest("web", "", "read")
	req.CodeChallengeMethod = ""
	req.Consent = false

	res, err := env.srv.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !res.ConsentRequired || res.Code != "" || res.RedirectURL != "" {
		t.Errorf("expected consent prompt, got %+v", res)
	}
	if res.Client.ClientID != "web" {
		t.Errorf("Client = %v", res.Client)
	}
}

func TestAuthorize_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerWeb(t, "web")
	challenge, _ := testutil.GeneratePKCEPair()

	policy := storage.DefaultClientSecurityPolicy()
	policy.AllowedRedirectURIs = []string{testRedirect}
	policy.GeoRestrictions.DeniedCountries = []string{"XX"}
	if _, err := env.srv.UpdateClientSecurityPolicy(ctx, "web", policy); err != nil {
		t.Fatalf("UpdateClientSecurityPolicy() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*AuthorizeRequest)
		wantErr error
	}{
		{name: "unknown client", mutate: func(r *AuthorizeRequest) { r.ClientID = "nope" }, wantErr: ErrInvalidClient},
		{name: "response type", mutate: func(r *AuthorizeRequest) { r.ResponseType = "token" }, wantErr: ErrInvalidRequest},
		{name: "unregistered redirect", mutate: func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" }, wantErr: ErrInvalidRequest},
		{name: "scope", mutate: func(r *AuthorizeRequest) { r.Scopes = []string{"admin"} }, wantErr: ErrInvalidScope},
		{name: "plain pkce", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = PKCEMethodPlain }, wantErr: ErrInvalidRequest},
		{name: "denied country", mutate: func(r *AuthorizeRequest) { r.Context.Country = "XX" }, wantErr: ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authorizeRequest("web", challenge, "read")
			tt.mutate(&req)
			_, err := env.srv.Authorize(ctx, req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := env.srv.SetClientStatus(ctx, "web", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.srv.Authorize(ctx, authorizeRequest("web", challenge, "read")); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("disabled client: error = %v", err)
	}
}

func TestAuthorize_RequirePKCE(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Config.RequirePKCE = true
	env.registerWeb(t, "web")

	req := authorizeRequest("web", "", "read")
	req.CodeChallengeMethod = ""
	if _, err := env.srv.Authorize(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("error = %v, want invalid_request", err)
	}
}

func TestAuthorizationCode_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerWeb(t, "web")
	challenge, verifier := testutil.GeneratePKCEPair()

	res, err := env.srv.Authorize(ctx, authorizeRequest("web", challenge, "read"))
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	env.clock.Advance(11 * time.Minute)
	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web",
		ClientSecret: secret,
		Code:         res.Code,
		CodeVerifier: verifier,
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

func TestAuthorizationCode_OtherClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerWeb(t, "web")
	_, otherSecret := env.registerWeb(t, "other")
	challenge, verifier := testutil.GeneratePKCEPair()

	res, err := env.srv.Authorize(ctx, authorizeRequest("web", challenge, "read"))
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "other",
		ClientSecret: otherSecret,
		Code:         res.Code,
		CodeVerifier: verifier,
	})
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want invalid_grant", err)
	}
}

// issueUserTokens runs the authorization code flow for alice.
func issueUserTokens(t *testing.T, env *testEnv, clientID, secret string, scopes ...string) *TokenResult {
	t.Helper()
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()

	res, err := env.srv.Authorize(ctx, authorizeRequest(clientID, challenge, scopes...))
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	result, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     clientID,
		ClientSecret: secret,
		Code:         res.Code,
		RedirectURI:  testRedirect,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return result
}

func TestRefreshTokenGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerWeb(t, "web")

	first := issueUserTokens(t, env, "web", secret, "read", "offline_access")

	req := TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "web",
		ClientSecret: secret,
		RefreshToken: first.RefreshToken.Value,
	}
	second, err := env.srv.Token(ctx, req)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == nil || second.RefreshToken.Value == first.RefreshToken.Value {
		t.Fatal("refresh must rotate the refresh token")
	}
	if second.AccessToken.SessionID != first.AccessToken.SessionID {
		t.Error("refresh must keep the session")
	}
	if second.IDToken != "" {
		t.Error("refresh does not issue ID tokens")
	}

	if _, err := env.srv.Token(ctx, req); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("reused refresh token: error = %v, want invalid_grant", err)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerService(t, "svc")

	result, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "svc",
		ClientSecret: secret,
		Scopes:       []string{"read", "write"},
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if result.RefreshToken != nil || result.IDToken != "" {
		t.Error("client_credentials issues an access token only")
	}
	if result.AccessToken.UserID != "" || result.Scope() != "read write" {
		t.Errorf("unexpected token: %+v", result.AccessToken)
	}

	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "svc",
		ClientSecret: secret,
		Scopes:       []string{"admin"},
	})
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("bad scope: error = %v", err)
	}
}

func TestClientCredentials_PublicClient(t *testing.T) {
	env := newTestEnv(t)

	if _, _, err := env.srv.RegisterClient(context.Background(), RegisterClientRequest{
		ClientID:   "spa",
		ClientType: storage.ClientTypeSPA,
	}, ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.srv.Token(context.Background(), TokenRequest{GrantType: "client_credentials", ClientID: "spa"})
	if !errors.Is(err, ErrInvalidClient) {
		t.Errorf("error = %v, want invalid_client", err)
	}
}

func TestToken_ClientErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerService(t, "svc")

	if _, err := env.srv.Token(ctx, TokenRequest{GrantType: "client_credentials", ClientID: "svc", ClientSecret: "bad"}); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("bad secret: error = %v", err)
	}
	if _, err := env.srv.Token(ctx, TokenRequest{GrantType: "password", ClientID: "svc", ClientSecret: secret}); !errors.Is(err, ErrUnsupportedGrantType) {
		t.Errorf("password grant: error = %v", err)
	}

	policy := storage.DefaultClientSecurityPolicy()
	policy.MaxRequestsPerMinute = 1
	if _, err := env.srv.UpdateClientSecurityPolicy(ctx, "svc", policy); err != nil {
		t.Fatal(err)
	}
	// Start a fresh minute window; the password grant attempt was counted.
	env.clock.Advance(time.Minute)

	req := TokenRequest{GrantType: "client_credentials", ClientID: "svc", ClientSecret: secret}
	if _, err := env.srv.Token(ctx, req); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := env.srv.Token(ctx, req); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("rate limited: error = %v, want access_denied", err)
	}
}

func TestIntrospect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerWeb(t, "web")
	tokens := issueUserTokens(t, env, "web", secret, "openid", "read")

	got, err := env.srv.Introspect(ctx, "web", secret, tokens.AccessToken.Value)
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !got.Active || got.Sub != "alice" || got.ClientID != "web" || got.Scope != "openid read" {
		t.Errorf("unexpected introspection: %+v", got)
	}
	if got.Exp != testEpoch.Add(time.Hour).Unix() || got.Iss != "https://auth.example.com" {
		t.Errorf("exp/iss = %d/%q", got.Exp, got.Iss)
	}

	got, err = env.srv.Introspect(ctx, "web", secret, "at_unknown")
	if err != nil || got.Active {
		t.Errorf("unknown token: %+v, %v", got, err)
	}

	if _, err := env.srv.Introspect(ctx, "web", "bad", tokens.AccessToken.Value); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("bad client secret: error = %v", err)
	}
}

func TestUserInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerWeb(t, "web")
	tokens := issueUserTokens(t, env, "web", secret, "openid", "profile")

	info, err := env.srv.UserInfo(ctx, tokens.AccessToken.Value)
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if info.Sub != "alice" || info.ClientID != "web" || info.SessionID == "" {
		t.Errorf("unexpected userinfo: %+v", info)
	}

	stored, _ := env.srv.GetToken(ctx, tokens.AccessToken.Value)
	if stored.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", stored.UsageCount)
	}

	readOnly := issueUserTokens(t, env, "web", secret, "read")
	if _, err := env.srv.UserInfo(ctx, readOnly.AccessToken.Value); !errors.Is(err, ErrInsufficientScope) {
		t.Errorf("read-only token: error = %v, want insufficient_scope", err)
	}
	if _, err := env.srv.UserInfo(ctx, "at_unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown token: error = %v, want invalid_token", err)
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, secret := env.registerWeb(t, "web")
	_, otherSecret := env.registerWeb(t, "other")
	tokens := issueUserTokens(t, env, "web", secret, "read", "offline_access")

	if err := env.srv.Revoke(ctx, "other", otherSecret, tokens.RefreshToken.Value); !errors.Is(err, storage.ErrClientMismatch) {
		t.Errorf("foreign client: error = %v", err)
	}
	if _, err := env.srv.ValidateToken(ctx, tokens.RefreshToken.Value); err != nil {
		t.Fatalf("token revoked by a foreign client: %v", err)
	}

	if err := env.srv.Revoke(ctx, "web", secret, tokens.RefreshToken.Value); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	// Revoking the refresh token ends the whole session.
	if _, err := env.srv.ValidateToken(ctx, tokens.AccessToken.Value); !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("access token of revoked session: error = %v", err)
	}

	if err := env.srv.Revoke(ctx, "web", "bad", tokens.AccessToken.Value); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("bad secret: error = %v", err)
	}
}
