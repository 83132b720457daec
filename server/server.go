package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/internal/helpers"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
)

// Server implements the OAuth2 trust layer: the client registry, the token
// manager, the protocol flows and adaptive client policies.
type Server struct {
	clientStore storage.ClientStore
	tokenStore  storage.TokenStore

	Auditor  *security.Auditor
	Assessor RiskAssessor
	IDTokens *IDTokenSigner
	Logger   *slog.Logger
	Config   *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	historyMu sync.Mutex
	history   []Adaptation
}

// New creates a new OAuth server
func New(clientStore storage.ClientStore, tokenStore storage.TokenStore, config *Config, logger *slog.Logger) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore: clientStore,
		tokenStore:  tokenStore,
		Assessor:    NewHeuristicAssessor(nil),
		Config:      config,
		Logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("server"),
		now:         time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRiskAssessor replaces the risk assessor used by adaptive security.
func (s *Server) SetRiskAssessor(a RiskAssessor) {
	s.Assessor = a
}

// SetIDTokenSigner enables ID token issuance for openid requests.
func (s *Server) SetIDTokenSigner(signer *IDTokenSigner) {
	s.IDTokens = signer
}

// SetInstrumentation wires metrics and tracing.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetClock overrides the time source (tests).
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// validateHTTPSEnforcement rejects a plain http issuer on anything other
// than a loopback host unless AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	u, err := url.Parse(s.Config.Issuer)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid issuer URL %q", s.Config.Issuer)
	}

	switch u.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if helpers.IsLoopbackHostname(u.Hostname()) {
			s.Logger.Warn("Running OAuth server over HTTP on loopback",
				"issuer", s.Config.Issuer,
				"recommendation", "Use HTTPS outside local development")
			return nil
		}
		if s.Config.AllowInsecureHTTP {
			return nil
		}
		return fmt.Errorf("issuer %q must use https (set AllowInsecureHTTP to override)", s.Config.Issuer)
	default:
		return fmt.Errorf("issuer %q has unsupported scheme %q", s.Config.Issuer, u.Scheme)
	}
}

func (s *Server) auditEvent(event security.Event) {
	if s.Auditor != nil {
		s.Auditor.LogEvent(event)
	}
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
