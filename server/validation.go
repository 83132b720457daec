package server

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/edgeguard/internal/helpers"
	"github.com/giantswarm/edgeguard/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// validateRedirectURIFormat checks that uri is an absolute http(s) URL
// without a fragment. Plain http is limited to loopback hosts unless
// AllowInsecureHTTP is set.
func (s *Server) validateRedirectURIFormat(uri string) error {
	if uri == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect_uri must be an absolute URL")
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	switch strings.ToLower(u.Scheme) {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if helpers.IsLoopbackHostname(u.Hostname()) || s.Config.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("redirect_uri must use https for non-loopback hosts")
	default:
		return fmt.Errorf("redirect_uri scheme %q is not allowed", u.Scheme)
	}
}

// validateRedirectURI checks the format and the client's allowed prefixes.
func (s *Server) validateRedirectURI(client *storage.Client, uri string) error {
	if err := s.validateRedirectURIFormat(uri); err != nil {
		return err
	}
	if !client.SecurityPolicy.RedirectURIAllowed(uri) {
		return fmt.Errorf("redirect_uri is not registered for this client")
	}
	return nil
}

// validateScopes rejects the request when any scope is not allowed.
func validateScopes(policy storage.ClientSecurityPolicy, scopes []string) error {
	for _, scope := range scopes {
		if !policy.ScopeAllowed(scope) {
			return fmt.Errorf("scope %q is not allowed for this client", scope)
		}
	}
	return nil
}

// validatePKCEChallenge checks the authorization request side of PKCE.
func (s *Server) validatePKCEChallenge(challenge, method string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		if method != "" {
			return fmt.Errorf("code_challenge_method without code_challenge")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
		return nil
	case "", PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case "", PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
