// Package mock provides function-field mocks of the storage interfaces for
// tests that need to inject failures or observe calls.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/edgeguard/storage"
	"github.com/giantswarm/edgeguard/storage/memory"
)

// callCounter counts calls by method name.
type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *callCounter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

// CallCount returns how often name was called.
func (c *callCounter) CallCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// ResetCallCounts resets all call counters
func (c *callCounter) ResetCallCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

// MockClientStore is a mock implementation of storage.ClientStore. Unset
// function fields fall through to an in-memory store.
type MockClientStore struct {
	callCounter
	backing *memory.Store

	SaveClientFunc   func(ctx context.Context, client *storage.Client) error
	GetClientFunc    func(ctx context.Context, clientID string) (*storage.Client, error)
	UpdateClientFunc func(ctx context.Context, clientID string, fn func(*storage.Client) error) (*storage.Client, error)
	DeleteClientFunc func(ctx context.Context, clientID string) error
	ListClientsFunc  func(ctx context.Context) ([]*storage.Client, error)
}

// NewMockClientStore creates a new mock client store
func NewMockClientStore() *MockClientStore {
	return &MockClientStore{backing: memory.New()}
}

// SaveClient saves a client
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.inc("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.backing.SaveClient(ctx, client)
}

// GetClient retrieves a client
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.inc("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.backing.GetClient(ctx, clientID)
}

// UpdateClient applies fn to a client
func (m *MockClientStore) UpdateClient(ctx context.Context, clientID string, fn func(*storage.Client) error) (*storage.Client, error) {
	m.inc("UpdateClient")
	if m.UpdateClientFunc != nil {
		return m.UpdateClientFunc(ctx, clientID, fn)
	}
	return m.backing.UpdateClient(ctx, clientID, fn)
}

// DeleteClient removes a client
func (m *MockClientStore) DeleteClient(ctx context.Context, clientID string) error {
	m.inc("DeleteClient")
	if m.DeleteClientFunc != nil {
		return m.DeleteClientFunc(ctx, clientID)
	}
	return m.backing.DeleteClient(ctx, clientID)
}

// ListClients lists all clients
func (m *MockClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.inc("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.backing.ListClients(ctx)
}

// MockTokenStore is a mock implementation of storage.TokenStore. Unset
// function fields fall through to an in-memory store.
type MockTokenStore struct {
	callCounter
	backing *memory.Store

	SaveTokenFunc    func(ctx context.Context, token *storage.Token) error
	GetTokenFunc     func(ctx context.Context, value string) (*storage.Token, error)
	UpdateTokenFunc  func(ctx context.Context, value string, fn func(*storage.Token) error) (*storage.Token, error)
	RotateTokenFunc  func(ctx context.Context, oldValue string, mint func(*storage.Token) (*storage.Token, error)) (*storage.Token, error)
	RevokeTokensFunc func(ctx context.Context, match func(*storage.Token) bool) (int, error)
	DeleteTokensFunc func(ctx context.Context, match func(*storage.Token) bool) (int, error)
	ListTokensFunc   func(ctx context.Context) ([]*storage.Token, error)
}

// NewMockTokenStore creates a new mock token store
func NewMockTokenStore() *MockTokenStore {
	return &MockTokenStore{backing: memory.New()}
}

// SaveToken saves a token
func (m *MockTokenStore) SaveToken(ctx context.Context, token *storage.Token) error {
	m.inc("SaveToken")
	if m.SaveTokenFunc != nil {
		return m.SaveTokenFunc(ctx, token)
	}
	return m.backing.SaveToken(ctx, token)
}

// GetToken retrieves a token
func (m *MockTokenStore) GetToken(ctx context.Context, value string) (*storage.Token, error) {
	m.inc("GetToken")
	if m.GetTokenFunc != nil {
		return m.GetTokenFunc(ctx, value)
	}
	return m.backing.GetToken(ctx, value)
}

// UpdateToken applies fn to a token
func (m *MockTokenStore) UpdateToken(ctx context.Context, value string, fn func(*storage.Token) error) (*storage.Token, error) {
	m.inc("UpdateToken")
	if m.UpdateTokenFunc != nil {
		return m.UpdateTokenFunc(ctx, value, fn)
	}
	return m.backing.UpdateToken(ctx, value, fn)
}

// RotateToken replaces a token atomically
func (m *MockTokenStore) RotateToken(ctx context.Context, oldValue string, mint func(*storage.Token) (*storage.Token, error)) (*storage.Token, error) {
	m.inc("RotateToken")
	if m.RotateTokenFunc != nil {
		return m.RotateTokenFunc(ctx, oldValue, mint)
	}
	return m.backing.RotateToken(ctx, oldValue, mint)
}

// RevokeTokens revokes matching tokens
func (m *MockTokenStore) RevokeTokens(ctx context.Context, match func(*storage.Token) bool) (int, error) {
	m.inc("RevokeTokens")
	if m.RevokeTokensFunc != nil {
		return m.RevokeTokensFunc(ctx, match)
	}
	return m.backing.RevokeTokens(ctx, match)
}

// DeleteTokens removes matching tokens
func (m *MockTokenStore) DeleteTokens(ctx context.Context, match func(*storage.Token) bool) (int, error) {
	m.inc("DeleteTokens")
	if m.DeleteTokensFunc != nil {
		return m.DeleteTokensFunc(ctx, match)
	}
	return m.backing.DeleteTokens(ctx, match)
}

// ListTokens lists all tokens
func (m *MockTokenStore) ListTokens(ctx context.Context) ([]*storage.Token, error) {
	m.inc("ListTokens")
	if m.ListTokensFunc != nil {
		return m.ListTokensFunc(ctx)
	}
	return m.backing.ListTokens(ctx)
}

var (
	_ storage.ClientStore = (*MockClientStore)(nil)
	_ storage.TokenStore  = (*MockTokenStore)(nil)
)
