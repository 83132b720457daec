package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/internal/util"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
)

// tokenIDLogLength is how many characters of a token value are logged.
const tokenIDLogLength = 8

// TokenParams describes a token to mint.
type TokenParams struct {
	Type     storage.TokenType
	ClientID string
	UserID   string
	Scopes   storage.Scopes

	// TTL overrides the configured lifetime for the token type.
	TTL time.Duration

	// SessionID groups tokens of one grant; generated when empty.
	SessionID string
	Context   *storage.TokenContext

	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// lifetime returns the configured lifetime for a token type.
func (s *Server) lifetime(t storage.TokenType) time.Duration {
	switch t {
	case storage.TokenTypeAuthorizationCode:
		return seconds(s.Config.AuthorizationCodeTTL)
	case storage.TokenTypeRefresh:
		return seconds(s.Config.RefreshTokenTTL)
	case storage.TokenTypeID:
		return seconds(s.Config.IDTokenTTL)
	default:
		return seconds(s.Config.AccessTokenTTL)
	}
}

func (s *Server) newToken(p TokenParams) (*storage.Token, error) {
	if p.Type.Prefix() == "" {
		return nil, fmt.Errorf("unknown token type %q", p.Type)
	}
	if p.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.lifetime(p.Type)
	}
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := s.now()
	return &storage.Token{
		Type:                p.Type,
		Value:               p.Type.Prefix() + generateRandomToken(),
		ClientID:            p.ClientID,
		UserID:              p.UserID,
		Scopes:              p.Scopes,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
		Status:              storage.TokenStatusActive,
		SessionID:           sessionID,
		Context:             p.Context,
		RedirectURI:         p.RedirectURI,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
	}, nil
}

// CreateToken mints and stores a new Active token.
func (s *Server) CreateToken(ctx context.Context, p TokenParams) (*storage.Token, error) {
	token, err := s.newToken(p)
	if err != nil {
		return nil, err
	}
	if err := s.tokenStore.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	s.Logger.Debug("Created token",
		"token_id", util.SafeTruncate(token.Value, tokenIDLogLength),
		"type", token.Type,
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return token, nil
}

// GetToken returns a token regardless of its status.
func (s *Server) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	return s.tokenStore.GetToken(ctx, value)
}

// ValidateToken returns the token when it is Active and unexpired. An
// Active token found past its expiry is moved to Expired.
func (s *Server) ValidateToken(ctx context.Context, value string) (*storage.Token, error) {
	token, err := s.tokenStore.GetToken(ctx, value)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := token.Validate(now); err != nil {
		if errors.Is(err, storage.ErrTokenExpired) && token.Status == storage.TokenStatusActive {
			s.markExpired(ctx, value, now)
		}
		return nil, err
	}
	return token, nil
}

func (s *Server) markExpired(ctx context.Context, value string, now time.Time) {
	_, _ = s.tokenStore.UpdateToken(ctx, value, func(t *storage.Token) error {
		if t.Status == storage.TokenStatusActive && security.IsExpired(now, t.ExpiresAt) {
			t.Status = storage.TokenStatusExpired
		}
		return nil
	})
}

// UseToken validates the token and records a use in one atomic step.
func (s *Server) UseToken(ctx context.Context, value string) (*storage.Token, error) {
	now := s.now()
	token, err := s.tokenStore.UpdateToken(ctx, value, func(t *storage.Token) error {
		if err := t.Validate(now); err != nil {
			return err
		}
		t.MarkUsed(now)
		return nil
	})
	if errors.Is(err, storage.ErrTokenExpired) {
		s.markExpired(ctx, value, now)
	}
	return token, err
}

// RevokeToken revokes a token. Revoking a token that is already revoked
// succeeds.
func (s *Server) RevokeToken(ctx context.Context, value string) error {
	token, err := s.tokenStore.UpdateToken(ctx, value, func(t *storage.Token) error {
		t.Status = storage.TokenStatusRevoked
		return nil
	})
	if err != nil {
		return err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(token.UserID, token.ClientID, "", string(token.Type))
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, string(token.Type))
	}
	return nil
}

// SuspendToken suspends an Active token.
func (s *Server) SuspendToken(ctx context.Context, value string) error {
	_, err := s.tokenStore.UpdateToken(ctx, value, func(t *storage.Token) error {
		if t.Status != storage.TokenStatusActive {
			return fmt.Errorf("cannot suspend %s token", t.Status)
		}
		t.Status = storage.TokenStatusSuspended
		return nil
	})
	return err
}

// RevokeClientTokens revokes every Active token of a client.
func (s *Server) RevokeClientTokens(ctx context.Context, clientID string) (int, error) {
	n, err := s.tokenStore.RevokeTokens(ctx, func(t *storage.Token) bool {
		return t.ClientID == clientID
	})
	if err == nil && n > 0 {
		s.Logger.Info("Revoked client tokens", "client_id", clientID, "count", n)
	}
	return n, err
}

// RevokeUserTokens revokes every Active token of a user.
func (s *Server) RevokeUserTokens(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	n, err := s.tokenStore.RevokeTokens(ctx, func(t *storage.Token) bool {
		return t.UserID == userID
	})
	if err == nil && n > 0 {
		s.Logger.Info("Revoked user tokens", "count", n)
	}
	return n, err
}

// revokeSession revokes every Active token of a session.
func (s *Server) revokeSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	return s.tokenStore.RevokeTokens(ctx, func(t *storage.Token) bool {
		return t.SessionID == sessionID
	})
}

// CleanupExpiredTokens removes tokens that are past their expiry or marked
// Expired and returns how many were removed.
func (s *Server) CleanupExpiredTokens(ctx context.Context) (int, error) {
	now := s.now()
	return s.tokenStore.DeleteTokens(ctx, func(t *storage.Token) bool {
		return t.Status == storage.TokenStatusExpired || security.IsExpired(now, t.ExpiresAt)
	})
}

// RotateRefreshToken validates the refresh token, revokes it and mints its
// successor with the same user, scopes and session in one critical
// section. A refresh token can therefore be rotated at most once.
func (s *Server) RotateRefreshToken(ctx context.Context, oldValue, clientID string) (*storage.Token, error) {
	ctx, span := s.tracer.Start(ctx, "server.RotateRefreshToken")
	defer span.End()

	now := s.now()
	next, err := s.tokenStore.RotateToken(ctx, oldValue, func(old *storage.Token) (*storage.Token, error) {
		if old.Type != storage.TokenTypeRefresh {
			return nil, storage.ErrWrongTokenType
		}
		if err := old.Validate(now); err != nil {
			return nil, err
		}
		if old.ClientID != clientID {
			return nil, storage.ErrClientMismatch
		}
		return s.newToken(TokenParams{
			Type:      storage.TokenTypeRefresh,
			ClientID:  old.ClientID,
			UserID:    old.UserID,
			Scopes:    old.Scopes,
			SessionID: old.SessionID,
			Context:   old.Context,
		})
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(next.UserID, next.ClientID, "", next.SessionID)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, clientID)
	}
	instrumentation.SetSpanSuccess(span)
	return next, nil
}

// Statistics summarises the token population.
func (s *Server) Statistics(ctx context.Context) (storage.TokenStatistics, error) {
	var stats storage.TokenStatistics
	tokens, err := s.tokenStore.ListTokens(ctx)
	if err != nil {
		return stats, err
	}
	now := s.now()
	for _, t := range tokens {
		stats.Add(t, now)
	}
	return stats, nil
}
