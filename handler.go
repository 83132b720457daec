package edgeguard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/internal/util"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
	"github.com/giantswarm/edgeguard/storage"
	"github.com/giantswarm/edgeguard/telemetry"
)

const (
	tokenTypeBearer = "Bearer"

	// ErrorCodeEndpointNotFound answers unknown paths below /oauth/.
	ErrorCodeEndpointNotFound = "oauth2_endpoint_not_found"
)

// OAuth endpoint paths
const (
	AuthorizePath        = "/oauth/authorize"
	TokenPath            = "/oauth/token"
	IntrospectPath       = "/oauth/introspect"
	UserInfoPath         = "/oauth/userinfo"
	RevokePath           = "/oauth/revoke"
	KeysPath             = "/oauth/keys"
	OpenIDDiscoveryPath  = "/oauth/.well-known/openid_configuration"
	consentParamAccepted = "true"
)

// Handler is the HTTP handler for the OAuth2 endpoints. It parses requests,
// calls the server package and maps its errors to status codes.
type Handler struct {
	server    *server.Server
	telemetry *telemetry.Telemetry
	resolver  security.ClientIPResolver
	metrics   *instrumentation.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewHandler creates a new OAuth handler bound to gw's server and telemetry.
func NewHandler(gw *Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:    gw.Server,
		telemetry: gw.Telemetry,
		resolver:  gw.ipResolver,
		metrics:   gw.metrics,
		logger:    logger,
		tracer:    gw.instrumentation.Tracer("edgeguard/oauth"),
	}
}

// ServeAuthorization handles GET /oauth/authorize. Without consent the
// response is a consent page; with consent the user agent is redirected to
// the client with a single-use authorization code.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorization")
	defer span.End()

	h.telemetry.Inc(telemetry.AuthorizeRequests)
	clientIP := h.resolver.ClientIP(r)

	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		RedirectURI:         q.Get("redirect_uri"),
		Scopes:              util.SplitScopes(q.Get("scope")),
		State:               q.Get("state"),
		UserID:              q.Get("user_id"),
		Consent:             parseConsent(q.Get("consent")),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		Context:             h.requestContext(r, clientIP, q.Get("device_fingerprint"), q.Get("country"), q.Get("city")),
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, q.Get("scope"))

	result, err := h.server.Authorize(ctx, req)
	if err != nil {
		h.telemetry.Inc(telemetry.AuthorizeErr)
		instrumentation.RecordError(span, err)
		oe := flowError(err)
		h.logger.Info("Authorization request rejected",
			"client_id", req.ClientID, "ip", clientIP, "error", oe.Code)
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}

	h.telemetry.Inc(telemetry.AuthorizeOK)
	h.recordAdaptation(result.Adaptation)

	if result.ConsentRequired {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		writeJSON(w, http.StatusOK, ConsentResponse{
			ConsentRequired: true,
			ClientID:        result.Client.ClientID,
			ClientName:      result.Client.ClientName,
			Scopes:          req.Scopes,
			RedirectURI:     req.RedirectURI,
			State:           req.State,
			RiskScore:       result.Adaptation.Assessment.Overall,
			Decision:        string(result.Adaptation.Decision),
		})
		instrumentation.SetSpanSuccess(span)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	instrumentation.SetSpanSuccess(span)
}

// ServeToken handles POST /oauth/token for the authorization_code,
// client_credentials and refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_exchange")
	defer span.End()

	h.telemetry.Inc(telemetry.TokenRequests)

	if err := r.ParseForm(); err != nil {
		h.telemetry.Inc(telemetry.TokenErr)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.resolver.ClientIP(r)
	clientID, clientSecret := h.clientCredentials(r)
	grantType := r.PostForm.Get("grant_type")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, grantType))

	result, err := h.server.Token(ctx, server.TokenRequest{
		GrantType:    grantType,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scopes:       util.SplitScopes(r.PostForm.Get("scope")),
		Context: h.requestContext(r, clientIP, r.PostForm.Get("device_fingerprint"),
			r.PostForm.Get("country"), r.PostForm.Get("city")),
	})
	if err != nil {
		h.telemetry.Inc(telemetry.TokenErr)
		instrumentation.RecordError(span, err)
		oe := flowError(err)
		if oe.Code == ErrorCodeInvalidClient {
			h.logAuthFailure(clientID, clientIP, oe.Code, "Token request client authentication failed")
		}
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}

	h.telemetry.Inc(telemetry.TokenOK)
	h.logger.Info("Token issued",
		"client_id", clientID,
		"grant_type", grantType,
		"scope", result.Scope(),
		"refresh", result.RefreshToken != nil)

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, result)
}

// ServeTokenIntrospection handles POST /oauth/introspect (RFC 7662). The
// caller authenticates as a client; a token that cannot be found or
// validated yields {"active":false}.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.introspection")
	defer span.End()

	h.telemetry.Inc(telemetry.IntrospectRequests)

	if err := r.ParseForm(); err != nil {
		h.telemetry.Inc(telemetry.IntrospectErr)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.telemetry.Inc(telemetry.IntrospectErr)
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	clientIP := h.resolver.ClientIP(r)
	clientID, clientSecret := h.clientCredentials(r)

	resp, err := h.server.Introspect(ctx, clientID, clientSecret, token)
	if err != nil {
		h.telemetry.Inc(telemetry.IntrospectErr)
		instrumentation.RecordError(span, err)
		oe := flowError(err)
		h.logAuthFailure(clientID, clientIP, oe.Code, "Introspection client authentication failed")
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}

	h.telemetry.Inc(telemetry.IntrospectOK)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	instrumentation.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, resp)
}

// ServeUserInfo handles GET /oauth/userinfo.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.userinfo")
	defer span.End()

	bearer, ok := bearerToken(r)
	if !ok {
		h.writeError(w, ErrorCodeInvalidToken, "Missing bearer token", http.StatusUnauthorized)
		return
	}

	info, err := h.server.UserInfo(ctx, bearer)
	if err != nil {
		instrumentation.RecordError(span, err)
		oe := flowError(err)
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	instrumentation.SetSpanSuccess(span)
	writeJSON(w, http.StatusOK, info)
}

// ServeTokenRevocation handles POST /oauth/revoke (RFC 7009). Per RFC 7009
// the endpoint answers 200 whether or not the token existed; only a failed
// client authentication is reported.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "oauth.http.revocation")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.resolver.ClientIP(r)
	clientID, clientSecret := h.clientCredentials(r)
	token := r.PostForm.Get("token")

	if token != "" {
		err := h.server.Revoke(ctx, clientID, clientSecret, token)
		switch {
		case errors.Is(err, server.ErrInvalidClient), errors.Is(err, server.ErrAccessDenied):
			instrumentation.RecordError(span, err)
			h.logAuthFailure(clientID, clientIP, ErrorCodeInvalidClient, "Revocation client authentication failed")
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return
		case err != nil:
			h.logger.Debug("Token revocation had no effect", "client_id", clientID, "error", err)
		default:
			h.logger.Info("Token revoked", "client_id", clientID, "ip", clientIP)
		}
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	instrumentation.SetSpanSuccess(span)
	w.WriteHeader(http.StatusOK)
}

// ServeKeys handles GET /oauth/keys.
func (h *Handler) ServeKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, JSONWebKeySet{Keys: []jose.JSONWebKey{}})
}

// ServeOpenIDConfiguration handles GET /oauth/.well-known/openid_configuration.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	grants := []string{
		string(storage.GrantAuthorizationCode),
		string(storage.GrantClientCredentials),
		string(storage.GrantRefreshToken),
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, OpenIDConfiguration{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + AuthorizePath,
		TokenEndpoint:                    issuer + TokenPath,
		UserinfoEndpoint:                 issuer + UserInfoPath,
		JWKSURI:                          issuer + KeysPath,
		IntrospectionEndpoint:            issuer + IntrospectPath,
		RevocationEndpoint:               issuer + RevokePath,
		ResponseTypesSupported:           []string{string(storage.ResponseTypeCode)},
		GrantTypesSupported:              grants,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{string(jose.HS512)},
		ScopesSupported:                  h.server.Config.SupportedScopes,
		CodeChallengeMethodsSupported:    []string{server.PKCEMethodS256, server.PKCEMethodPlain},
	})
}

// ServeNotFound answers unknown paths below /oauth/.
func (h *Handler) ServeNotFound(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: ErrorCodeEndpointNotFound})
}

// parseConsent accepts true, 1 and yes.
func parseConsent(v string) bool {
	switch strings.ToLower(v) {
	case consentParamAccepted, "1", "yes":
		return true
	}
	return false
}

func (h *Handler) requestContext(r *http.Request, clientIP, deviceFP, country, city string) server.RequestContext {
	return server.RequestContext{
		IPAddress:         clientIP,
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: deviceFP,
		Country:           country,
		City:              city,
	}
}

// clientCredentials returns the client id and secret from Basic Auth,
// falling back to the form.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	clientID, clientSecret = h.parseBasicAuth(r)
	if clientID == "" {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	return clientID, clientSecret
}

// parseBasicAuth extracts client credentials from Basic Auth header
func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// recordAdaptation adds non-trivial policy adaptations to the event ring.
func (h *Handler) recordAdaptation(a server.Adaptation) {
	if a.Decision == server.DecisionMaintain {
		return
	}
	h.telemetry.RecordEvent(telemetry.EventAdaptation,
		a.ClientID+":"+string(a.Decision)+":"+strings.Join(a.Actions, ","))
	h.metrics.RecordPolicyAdaptation(context.Background(), string(a.Decision))
}

func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP, "reason", reason)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// writeTokenResponse renders a token result.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	resp := TokenResponse{
		AccessToken: result.AccessToken.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   result.ExpiresIn,
		IDToken:     result.IDToken,
		Scope:       result.Scope(),
	}
	if result.RefreshToken != nil {
		resp.RefreshToken = result.RefreshToken.Value
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// writeError writes an OAuth error response. 401 responses carry a Bearer
// challenge naming the error.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds an RFC 6750 Bearer challenge.
func formatWWWAuthenticate(code, description string) string {
	var b strings.Builder
	b.WriteString(tokenTypeBearer)
	b.WriteString(` error="`)
	b.WriteString(code)
	b.WriteString(`"`)
	if description != "" {
		b.WriteString(`, error_description="`)
		b.WriteString(strings.ReplaceAll(description, `"`, `'`))
		b.WriteString(`"`)
	}
	return b.String()
}
