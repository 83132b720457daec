package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
	"github.com/giantswarm/edgeguard/storage"
)

// Bootstrap is the optional startup file.
//
//	guards:
//	  - path: /hooks/partner
//	    algorithm: hmac-sha512
//	    required: true
//	policy:
//	  denied_path_prefixes: [/internal]
//	clients:
//	  - client_id: billing
//	    client_type: service
//	    secret: ${BILLING_SECRET}
type Bootstrap struct {
	Guards  []security.GuardConfig         `yaml:"guards"`
	Policy  *security.InboundPolicy        `yaml:"-"`
	Clients []server.RegisterClientRequest `yaml:"clients"`
}

type bootstrapFile struct {
	Guards  []security.GuardConfig         `yaml:"guards"`
	Policy  yaml.Node                      `yaml:"policy"`
	Clients []server.RegisterClientRequest `yaml:"clients"`
}

// LoadBootstrap reads a bootstrap file. ${VAR} references are expanded
// from the environment before parsing.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}
	return ParseBootstrap(data)
}

// ParseBootstrap parses and validates a bootstrap document.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	expanded := os.ExpandEnv(string(data))

	var raw bootstrapFile
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing bootstrap file: %w", err)
	}

	b := &Bootstrap{Guards: raw.Guards, Clients: raw.Clients}

	for i := range b.Guards {
		g := &b.Guards[i]
		if g.Path == "" {
			return nil, fmt.Errorf("guard %d: path is required", i+1)
		}
		if g.Algorithm == "" {
			g.Algorithm = security.AlgHMACSHA512
		}
		alg, err := security.ParseAlgorithm(string(g.Algorithm))
		if err != nil {
			return nil, fmt.Errorf("guard %s: %w", g.Path, err)
		}
		g.Algorithm = alg
	}

	if !raw.Policy.IsZero() {
		p := security.DefaultInboundPolicy()
		if err := raw.Policy.Decode(&p); err != nil {
			return nil, fmt.Errorf("parsing policy: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		b.Policy = &p
	}

	seen := make(map[string]struct{}, len(b.Clients))
	for i, c := range b.Clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("client %d: client_id is required", i+1)
		}
		if _, dup := seen[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", c.ClientID)
		}
		seen[c.ClientID] = struct{}{}
		if _, err := storage.ParseClientType(string(c.ClientType)); err != nil {
			return nil, fmt.Errorf("client %s: %w", c.ClientID, err)
		}
	}

	return b, nil
}

// ClientRegistrar is the part of server.Server used to seed clients.
type ClientRegistrar interface {
	RegisterClient(ctx context.Context, req server.RegisterClientRequest, clientIP string) (*storage.Client, string, error)
}

// RegisterClients seeds the bootstrap clients. Registration is idempotent,
// so clients that already exist are left alone.
func (b *Bootstrap) RegisterClients(ctx context.Context, r ClientRegistrar, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, req := range b.Clients {
		client, secret, err := r.RegisterClient(ctx, req, "bootstrap")
		if err != nil {
			return fmt.Errorf("registering client %s: %w", req.ClientID, err)
		}
		if req.Secret == "" && secret != "" {
			logger.Warn("Bootstrap client got a generated secret that is not logged",
				"client_id", client.ClientID,
				"recommendation", "Set secret in the bootstrap file")
		}
		logger.Info("Bootstrap client registered",
			"client_id", client.ClientID,
			"client_type", client.ClientType)
	}
	return nil
}
