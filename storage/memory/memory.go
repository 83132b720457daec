package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/internal/util"
	"github.com/giantswarm/edgeguard/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	// DefaultCleanupInterval is used when no interval is given.
	DefaultCleanupInterval = time.Minute

	// DefaultRevokedRetention is how long revoked and expired tokens stay
	// visible (for introspection and statistics) before cleanup removes them.
	DefaultRevokedRetention = time.Hour
)

// Store is an in-memory implementation of storage.ClientStore and
// storage.TokenStore.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	tokens  map[string]*storage.Token

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic      atomic.Int64
	tokensCountAtomic       atomic.Int64
	activeTokensCountAtomic atomic.Int64

	cleanupInterval  time.Duration
	revokedRetention time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
// The cleanup loop runs only while Run is running.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Store{
		clients:          make(map[string]*storage.Client),
		tokens:           make(map[string]*storage.Token),
		cleanupInterval:  cleanupInterval,
		revokedRetention: DefaultRevokedRetention,
		now:              time.Now,
		logger:           slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the clock used for expiry decisions.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetRevokedRetention sets how long dead tokens are kept before cleanup.
func (s *Store) SetRevokedRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedRetention = max(d, 0)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	var active int64
	for _, t := range s.tokens {
		if t.Status == storage.TokenStatusActive {
			active++
		}
	}
	s.activeTokensCountAtomic.Store(active)
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.activeTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Run removes dead tokens every cleanup interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes tokens that expired or were revoked more than the
// retention period ago and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.revokedRetention)
	cleaned := 0
	for value, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) || (t.Status != storage.TokenStatusActive && t.CreatedAt.Before(cutoff)) {
			s.removeTokenLocked(value, t)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up tokens", "count", cleaned, "remaining", len(s.tokens))
	}
	return cleaned
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_client", err, start) }(time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = client.Clone()

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a copy of a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_client", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return c.Clone(), nil
}

// UpdateClient runs fn on the stored client under the write lock.
func (s *Store) UpdateClient(ctx context.Context, clientID string, fn func(*storage.Client) error) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "update_client", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	fnErr := fn(c)
	return c.Clone(), fnErr
}

// DeleteClient removes a client
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "delete_client", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)

	s.logger.Info("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all registered clients sorted by ID
func (s *Store) ListClients(ctx context.Context) (clients []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "list_clients", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients = make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a new token. Values must be unique.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_token", err, start) }(time.Now())

	if token == nil || token.Value == "" {
		return fmt.Errorf("token value cannot be empty")
	}
	if token.ExpiresAt.IsZero() {
		return fmt.Errorf("token expiry cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Value]; exists {
		return fmt.Errorf("token %s already exists", util.SafeTruncate(token.Value, tokenIDLogLength))
	}
	s.insertTokenLocked(token.Clone())

	s.logger.Debug("Saved token",
		"token_type", token.Type,
		"token_id", util.SafeTruncate(token.Value, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetToken retrieves a copy of a token
func (s *Store) GetToken(ctx context.Context, value string) (token *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return t.Clone(), nil
}

// UpdateToken runs fn on a copy of the stored token under the write lock
// and commits the copy only when fn succeeds.
func (s *Store) UpdateToken(ctx context.Context, value string, fn func(*storage.Token) error) (token *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "update_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "update_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tokens[value]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return current.Clone(), err
	}
	next.Value = value
	s.replaceTokenLocked(current, next)
	return next.Clone(), nil
}

// RotateToken revokes oldValue and stores the token returned by mint in one
// critical section.
func (s *Store) RotateToken(ctx context.Context, oldValue string, mint func(old *storage.Token) (*storage.Token, error)) (token *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "rotate_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldValue]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	next, err := mint(old.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil || next.Value == "" {
		return nil, fmt.Errorf("rotation produced an empty token")
	}
	if _, exists := s.tokens[next.Value]; exists {
		return nil, fmt.Errorf("token %s already exists", util.SafeTruncate(next.Value, tokenIDLogLength))
	}

	revoked := old.Clone()
	revoked.Status = storage.TokenStatusRevoked
	s.replaceTokenLocked(old, revoked)
	s.insertTokenLocked(next.Clone())

	s.logger.Debug("Rotated token",
		"old_token_id", util.SafeTruncate(oldValue, tokenIDLogLength),
		"new_token_id", util.SafeTruncate(next.Value, tokenIDLogLength),
		"session_id", next.SessionID)
	return next.Clone(), nil
}

// RevokeTokens revokes every Active token matching match.
func (s *Store) RevokeTokens(ctx context.Context, match func(*storage.Token) bool) (count int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_tokens", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if t.Status != storage.TokenStatusActive || !match(t) {
			continue
		}
		revoked := t.Clone()
		revoked.Status = storage.TokenStatusRevoked
		s.replaceTokenLocked(t, revoked)
		count++
	}

	span.SetAttributes(attribute.Int("revoked_count", count))
	return count, nil
}

// DeleteTokens removes every token matching match.
func (s *Store) DeleteTokens(ctx context.Context, match func(*storage.Token) bool) (count int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_tokens")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "delete_tokens", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for value, t := range s.tokens {
		if match(t) {
			s.removeTokenLocked(value, t)
			count++
		}
	}
	return count, nil
}

// ListTokens returns copies of all tokens
func (s *Store) ListTokens(ctx context.Context) (tokens []*storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_tokens")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "list_tokens", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens = make([]*storage.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, t.Clone())
	}
	return tokens, nil
}

// Counts returns the number of clients, tokens and Active tokens.
func (s *Store) Counts() (clients, tokens, active int64) {
	return s.clientsCountAtomic.Load(), s.tokensCountAtomic.Load(), s.activeTokensCountAtomic.Load()
}

// The *Locked helpers keep the atomic counters in step with the maps and
// must be called with the write lock held.

func (s *Store) insertTokenLocked(t *storage.Token) {
	s.tokens[t.Value] = t
	s.tokensCountAtomic.Add(1)
	if t.Status == storage.TokenStatusActive {
		s.activeTokensCountAtomic.Add(1)
	}
}

func (s *Store) replaceTokenLocked(old, next *storage.Token) {
	s.tokens[next.Value] = next
	wasActive := old.Status == storage.TokenStatusActive
	isActive := next.Status == storage.TokenStatusActive
	switch {
	case wasActive && !isActive:
		s.activeTokensCountAtomic.Add(-1)
	case !wasActive && isActive:
		s.activeTokensCountAtomic.Add(1)
	}
}

func (s *Store) removeTokenLocked(value string, t *storage.Token) {
	delete(s.tokens, value)
	s.tokensCountAtomic.Add(-1)
	if t.Status == storage.TokenStatusActive {
		s.activeTokensCountAtomic.Add(-1)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
