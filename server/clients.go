package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/storage"
)

// RegisterClientRequest describes a client registration.
type RegisterClientRequest struct {
	// ClientID is optional; a random id is generated when empty.
	ClientID   string             `json:"client_id,omitempty" yaml:"client_id"`
	ClientName string             `json:"client_name" yaml:"client_name"`
	ClientType storage.ClientType `json:"client_type" yaml:"client_type"`
	AuthMethod storage.AuthMethod `json:"auth_method,omitempty" yaml:"auth_method"`

	// RedirectURIs become the allowed redirect prefixes.
	RedirectURIs []string `json:"redirect_uris,omitempty" yaml:"redirect_uris"`

	// Scopes narrows the policy's allowed scopes when set.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes"`

	// Policy replaces the default policy when set.
	Policy *storage.ClientSecurityPolicy `json:"security_policy,omitempty" yaml:"security_policy"`

	// Secret seeds the secret of a confidential client instead of
	// generating one. Used for configuration bootstrap.
	Secret string `json:"-" yaml:"secret"`
}

// ClientFilter selects clients in SearchClients. Zero fields match all.
type ClientFilter struct {
	Query      string
	ClientType storage.ClientType
	Active     *bool
}

// RegisterClient registers a new OAuth client and returns it with the
// plaintext secret for confidential clients. The secret is only ever
// returned here.
//
// Registration is idempotent per client id: registering an existing id
// returns the stored client and an empty secret.
func (s *Server) RegisterClient(ctx context.Context, req RegisterClientRequest, clientIP string) (*storage.Client, string, error) {
	ctx, span := s.tracer.Start(ctx, "server.RegisterClient")
	defer span.End()

	if req.ClientID != "" {
		existing, err := s.clientStore.GetClient(ctx, req.ClientID)
		if err == nil {
			return existing, "", nil
		}
		if !errors.Is(err, storage.ErrClientNotFound) {
			instrumentation.RecordError(span, err)
			return nil, "", err
		}
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = storage.ClientTypeWeb
	}
	if _, err := storage.ParseClientType(string(clientType)); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	policy := storage.DefaultClientSecurityPolicy()
	if req.Policy != nil {
		policy = req.Policy.Clone()
	}
	if len(req.Scopes) > 0 {
		policy.AllowedScopes = slices.Clone(req.Scopes)
	}
	for _, uri := range req.RedirectURIs {
		if err := s.validateRedirectURIFormat(uri); err != nil {
			s.auditEvent(security.Event{
				Type:      security.EventAuthFailure,
				IPAddress: clientIP,
				Details:   map[string]any{"reason": "redirect_uri_validation_failed"},
			})
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if len(req.RedirectURIs) > 0 {
		policy.AllowedRedirectURIs = slices.Clone(req.RedirectURIs)
	}
	if err := policy.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	authMethod, err := resolveAuthMethod(clientType, req.AuthMethod)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	secret, secretHash, err := s.generateClientSecret(clientType, authMethod, req.Secret)
	if err != nil {
		return nil, "", err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	now := s.now()
	client := &storage.Client{
		ClientID:         clientID,
		ClientName:       req.ClientName,
		ClientType:       clientType,
		AuthMethod:       authMethod,
		ClientSecretHash: secretHash,
		SecurityPolicy:   policy,
		RegisteredAt:     now,
		UpdatedAt:        now,
		Active:           true,
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		instrumentation.RecordError(span, err)
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, string(client.ClientType), clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, string(client.ClientType))
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"auth_method", client.AuthMethod)

	instrumentation.SetSpanSuccess(span)
	return client.Clone(), secret, nil
}

// resolveAuthMethod picks the token endpoint auth method. Public clients
// never authenticate with a secret.
func resolveAuthMethod(clientType storage.ClientType, requested storage.AuthMethod) (storage.AuthMethod, error) {
	if !clientType.IsConfidential() {
		if requested != "" && requested != storage.AuthMethodNone {
			return "", fmt.Errorf("public %s clients must use auth method %q", clientType, storage.AuthMethodNone)
		}
		return storage.AuthMethodNone, nil
	}
	switch requested {
	case "":
		return storage.AuthMethodClientSecret, nil
	case storage.AuthMethodClientSecret, storage.AuthMethodCertificate, storage.AuthMethodPrivateKey:
		return requested, nil
	case storage.AuthMethodNone:
		return "", fmt.Errorf("confidential %s clients must authenticate", clientType)
	default:
		return "", fmt.Errorf("unknown auth method %q", requested)
	}
}

// generateClientSecret returns the plaintext secret and its bcrypt hash for
// confidential clients using client_secret_basic.
func (s *Server) generateClientSecret(clientType storage.ClientType, method storage.AuthMethod, seed string) (string, string, error) {
	if !clientType.IsConfidential() || method != storage.AuthMethodClientSecret {
		return "", "", nil
	}

	secret := seed
	if secret == "" {
		secret = generateRandomToken()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Config.BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

// GetClient retrieves a client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// ValidateClient authenticates a client and counts the request against its
// rate limits. Disabled clients fail, clients holding a secret require a
// matching secret, and the per-minute and per-hour windows reject hard.
func (s *Server) ValidateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	ctx, span := s.tracer.Start(ctx, "server.ValidateClient")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if !client.Active {
		return nil, storage.ErrClientDisabled
	}

	// bcrypt runs outside the store lock.
	if client.HasSecret() {
		if clientSecret == "" {
			return nil, storage.ErrInvalidSecret
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
			}
			return nil, storage.ErrInvalidSecret
		}
	}

	now := s.now()
	updated, err := s.clientStore.UpdateClient(ctx, clientID, func(c *storage.Client) error {
		if !c.Active {
			return storage.ErrClientDisabled
		}
		return c.RecordRequest(now)
	})
	if err != nil {
		if errors.Is(err, storage.ErrRateLimitExceeded) {
			if s.Auditor != nil {
				s.Auditor.LogRateLimitExceeded("", clientID, "client")
			}
			if s.metrics != nil {
				s.metrics.RecordRateLimitExceeded(ctx, "client")
			}
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	return updated, nil
}

// UpdateClientSecurityPolicy replaces a client's policy. Request counters
// are kept.
func (s *Server) UpdateClientSecurityPolicy(ctx context.Context, clientID string, policy storage.ClientSecurityPolicy) (*storage.Client, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	now := s.now()
	client, err := s.clientStore.UpdateClient(ctx, clientID, func(c *storage.Client) error {
		c.SecurityPolicy = policy.Clone()
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditEvent(security.Event{
		Type:     security.EventPolicyUpdated,
		ClientID: clientID,
	})
	return client, nil
}

// SetClientStatus enables or disables a client.
func (s *Server) SetClientStatus(ctx context.Context, clientID string, active bool) (*storage.Client, error) {
	now := s.now()
	client, err := s.clientStore.UpdateClient(ctx, clientID, func(c *storage.Client) error {
		c.Active = active
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditEvent(security.Event{
		Type:     security.EventClientStatusChanged,
		ClientID: clientID,
		Details:  map[string]any{"active": active},
	})
	s.Logger.Info("Client status changed", "client_id", clientID, "active", active)
	return client, nil
}

// DeleteClient removes a client and revokes every token issued to it.
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	revoked, err := s.RevokeClientTokens(ctx, clientID)
	if err != nil {
		s.Logger.Warn("Failed to revoke tokens of deleted client", "client_id", clientID, "error", err)
	}
	s.auditEvent(security.Event{
		Type:     security.EventClientDeleted,
		ClientID: clientID,
		Details:  map[string]any{"revoked_tokens": revoked},
	})
	return nil
}

// ListClients lists all registered clients sorted by id.
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.clientStore.ListClients(ctx)
}

// SearchClients returns the clients matching filter. Query matches the
// client id or name, case-insensitively.
func (s *Server) SearchClients(ctx context.Context, filter ClientFilter) ([]*storage.Client, error) {
	all, err := s.clientStore.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	out := make([]*storage.Client, 0, len(all))
	for _, c := range all {
		if filter.ClientType != "" && c.ClientType != filter.ClientType {
			continue
		}
		if filter.Active != nil && c.Active != *filter.Active {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(c.ClientID), query) &&
			!strings.Contains(strings.ToLower(c.ClientName), query) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
