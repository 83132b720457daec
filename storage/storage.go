package storage

import (
	"context"
)

// ClientStore defines the interface for managing OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient inserts or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a copy of a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClient runs fn on the stored client while holding the store lock
	// and returns a copy of the result. Changes made by fn are kept even when
	// fn returns an error, so counters advance on rejected requests.
	UpdateClient(ctx context.Context, clientID string, fn func(*Client) error) (*Client, error)

	// DeleteClient removes a client
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// TokenStore defines the interface for storing and retrieving tokens and
// authorization codes, keyed by token value.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken stores a new token
	SaveToken(ctx context.Context, token *Token) error

	// GetToken retrieves a copy of a token
	GetToken(ctx context.Context, value string) (*Token, error)

	// UpdateToken runs fn on the stored token while holding the store lock
	// and returns a copy of the result. When fn returns an error the token is
	// left unchanged.
	UpdateToken(ctx context.Context, value string, fn func(*Token) error) (*Token, error)

	// RotateToken looks up oldValue and passes it to mint in one critical
	// section. When mint succeeds the old token is revoked and the returned
	// token stored.
	// SECURITY: This operation MUST be atomic so that a refresh token can
	// only be rotated once.
	RotateToken(ctx context.Context, oldValue string, mint func(old *Token) (*Token, error)) (*Token, error)

	// RevokeTokens revokes every Active token matching match and returns
	// how many were revoked
	RevokeTokens(ctx context.Context, match func(*Token) bool) (int, error)

	// DeleteTokens removes every token matching match and returns how many
	// were removed
	DeleteTokens(ctx context.Context, match func(*Token) bool) (int, error)

	// ListTokens returns copies of all tokens
	ListTokens(ctx context.Context) ([]*Token, error)
}
