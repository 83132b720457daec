// Package keystore holds named symmetric key material with versioned rotation,
// per-key anti-replay nonce windows and a background scheduler that purges
// those windows and rotates keys when the process risk score is high.
//
// Secret bytes never leave the store except through Get (which returns a copy)
// and ExportHex (which requires explicit consent).
package keystore

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MinKeyLength and MaxKeyLength bound generated secrets in bytes.
	MinKeyLength = 16
	MaxKeyLength = 1024

	// DefaultKeyLength is used when a caller passes zero.
	DefaultKeyLength = 64

	maxKeyIDLength = 128
)

// Status is the lifecycle state of a key.
type Status int

const (
	// StatusActive keys sign and verify.
	StatusActive Status = iota
	// StatusDisabled keys are kept but refused for verification. They can be re-enabled.
	StatusDisabled
	// StatusRevoked is terminal.
	StatusRevoked
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisabled:
		return "disabled"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "active":
		return StatusActive, nil
	case "disabled":
		return StatusDisabled, nil
	case "revoked":
		return StatusRevoked, nil
	}
	return StatusActive, fmt.Errorf("%w: unknown status %q", ErrInvalidParameter, v)
}

// Meta is the public description of a key. It never carries secret bytes.
type Meta struct {
	KeyID             string    `json:"key_id"`
	Version           uint32    `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	Status            Status    `json:"status"`
	DeviceFingerprint string    `json:"device_fp,omitempty"`
	Length            int       `json:"length"`
}

type keyEntry struct {
	meta   Meta
	secret []byte
}

// Store is the in-memory key store.
type Store struct {
	mu     sync.RWMutex
	keys   map[string]*keyEntry
	rng    RandomProvider
	replay *ReplayGuard
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReplayParams sets the initial anti-replay parameters.
func WithReplayParams(p ReplayParams) Option {
	return func(s *Store) {
		s.replay = NewReplayGuard(p)
	}
}

// New creates a key store drawing secrets from rng.
func New(rng RandomProvider, opts ...Option) (*Store, error) {
	if rng == nil {
		return nil, fmt.Errorf("random provider is required")
	}

	s := &Store{
		keys:   make(map[string]*keyEntry),
		rng:    rng,
		replay: NewReplayGuard(DefaultReplayParams()),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if !rng.Secure() {
		s.logger.Warn("SECURITY WARNING: key store uses an insecure random provider",
			"provider", rng.Name(),
			"risk", "Predictable key material",
			"recommendation", "Use the system provider outside of tests")
	}

	return s, nil
}

// Replay returns the anti-replay guard shared by all keys.
func (s *Store) Replay() *ReplayGuard {
	return s.replay
}

// Provider returns the name of the configured random provider.
func (s *Store) Provider() string {
	return s.rng.Name()
}

func validateKeyID(id string) error {
	if id == "" || len(id) > maxKeyIDLength {
		return fmt.Errorf("%w: key id must be 1-%d bytes", ErrInvalidParameter, maxKeyIDLength)
	}
	if strings.ContainsAny(id, " \t\r\n|") {
		return fmt.Errorf("%w: key id contains forbidden characters", ErrInvalidParameter)
	}
	return nil
}

func normalizeLength(length int) (int, error) {
	if length == 0 {
		return DefaultKeyLength, nil
	}
	if length < MinKeyLength || length > MaxKeyLength {
		return 0, fmt.Errorf("%w: key length must be %d-%d bytes", ErrInvalidParameter, MinKeyLength, MaxKeyLength)
	}
	return length, nil
}

func (s *Store) generate(length int) ([]byte, error) {
	secret := make([]byte, length)
	if err := s.rng.Fill(secret); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	return secret, nil
}

// CreateKey generates a new key. Creating an id that already exists fails;
// use RotateKey to replace material. A zero createdAt means now.
func (s *Store) CreateKey(id string, version uint32, length int, deviceFP string, createdAt time.Time) (Meta, error) {
	if err := validateKeyID(id); err != nil {
		return Meta{}, err
	}
	if version == 0 {
		return Meta{}, fmt.Errorf("%w: version must be positive", ErrInvalidParameter)
	}
	length, err := normalizeLength(length)
	if err != nil {
		return Meta{}, err
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	secret, err := s.generate(length)
	if err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[id]; exists {
		wipe(secret)
		return Meta{}, fmt.Errorf("%w: key %q already exists, use rotate", ErrInvalidParameter, id)
	}

	meta := Meta{
		KeyID:             id,
		Version:           version,
		CreatedAt:         createdAt,
		Status:            StatusActive,
		DeviceFingerprint: deviceFP,
		Length:            length,
	}
	s.keys[id] = &keyEntry{meta: meta, secret: secret}

	s.logger.Info("Key created", "key_id", id, "version", version, "length", length)
	return meta, nil
}

// ImportKey stores caller-supplied secret bytes under id, replacing nothing.
// It is used to seed keys from configuration.
func (s *Store) ImportKey(id string, version uint32, secret []byte) (Meta, error) {
	if err := validateKeyID(id); err != nil {
		return Meta{}, err
	}
	if version == 0 {
		return Meta{}, fmt.Errorf("%w: version must be positive", ErrInvalidParameter)
	}
	if len(secret) < MinKeyLength || len(secret) > MaxKeyLength {
		return Meta{}, fmt.Errorf("%w: key length must be %d-%d bytes", ErrInvalidParameter, MinKeyLength, MaxKeyLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[id]; exists {
		return Meta{}, fmt.Errorf("%w: key %q already exists", ErrInvalidParameter, id)
	}

	meta := Meta{
		KeyID:     id,
		Version:   version,
		CreatedAt: s.now(),
		Status:    StatusActive,
		Length:    len(secret),
	}
	s.keys[id] = &keyEntry{meta: meta, secret: append([]byte(nil), secret...)}

	s.logger.Info("Key imported", "key_id", id, "version", version)
	return meta, nil
}

// RotateKey replaces the secret of id with fresh material and bumps the
// version. The device binding is preserved and the old bytes are zeroed.
func (s *Store) RotateKey(id string, newVersion uint32, length int, createdAt time.Time) (Meta, error) {
	length, err := normalizeLength(length)
	if err != nil {
		return Meta{}, err
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	secret, err := s.generate(length)
	if err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[id]
	if !ok {
		wipe(secret)
		return Meta{}, fmt.Errorf("%w: %q", ErrNotAvailable, id)
	}
	if entry.meta.Status == StatusRevoked {
		wipe(secret)
		return Meta{}, fmt.Errorf("%w: key %q is revoked", ErrInvalidParameter, id)
	}
	if newVersion <= entry.meta.Version {
		wipe(secret)
		return Meta{}, fmt.Errorf("%w: version %d must exceed %d", ErrInvalidParameter, newVersion, entry.meta.Version)
	}

	wipe(entry.secret)
	entry.secret = secret
	entry.meta.Version = newVersion
	entry.meta.CreatedAt = createdAt
	entry.meta.Length = length

	s.logger.Info("Key rotated", "key_id", id, "version", newVersion)
	return entry.meta, nil
}

// SetStatus moves a key between Active and Disabled, or to Revoked.
// Revoked keys cannot leave that state.
func (s *Store) SetStatus(id string, status Status) (Meta, error) {
	if status < StatusActive || status > StatusRevoked {
		return Meta{}, fmt.Errorf("%w: unknown status", ErrInvalidParameter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[id]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %q", ErrNotAvailable, id)
	}
	if entry.meta.Status == StatusRevoked && status != StatusRevoked {
		return Meta{}, fmt.Errorf("%w: key %q is revoked", ErrInvalidParameter, id)
	}

	entry.meta.Status = status
	if status == StatusRevoked {
		wipe(entry.secret)
	}

	s.logger.Info("Key status changed", "key_id", id, "status", status.String())
	return entry.meta, nil
}

// Get returns the metadata and a copy of the secret for id.
func (s *Store) Get(id string) (Meta, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.keys[id]
	if !ok {
		return Meta{}, nil, fmt.Errorf("%w: %q", ErrNotAvailable, id)
	}
	return entry.meta, append([]byte(nil), entry.secret...), nil
}

// ActiveSecret returns a copy of the secret only when the key is active.
func (s *Store) ActiveSecret(id string) ([]byte, error) {
	meta, secret, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if meta.Status != StatusActive {
		wipe(secret)
		return nil, fmt.Errorf("%w: key %q is %s", ErrNotAvailable, id, meta.Status)
	}
	return secret, nil
}

// Meta returns the metadata for id.
func (s *Store) Meta(id string) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.keys[id]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %q", ErrNotAvailable, id)
	}
	return entry.meta, nil
}

// MetaFor returns metadata for the given ids sorted by id, skipping unknown ids.
// An empty ids slice returns every key.
func (s *Store) MetaFor(ids []string) []Meta {
	if len(ids) == 0 {
		return s.List()
	}

	s.mu.RLock()
	out := make([]Meta, 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.keys[id]; ok {
			out = append(out, entry.meta)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// List returns every key's metadata sorted by id.
func (s *Store) List() []Meta {
	s.mu.RLock()
	out := make([]Meta, 0, len(s.keys))
	for _, entry := range s.keys {
		out = append(out, entry.meta)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// ExportHex returns hex-encoded secrets for ids. Without consent nothing is
// returned. Revoked keys are skipped.
func (s *Store) ExportHex(ids []string, consent bool) (map[string]string, error) {
	if !consent {
		return nil, ErrConsentRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		entry, ok := s.keys[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotAvailable, id)
		}
		if entry.meta.Status == StatusRevoked {
			continue
		}
		out[id] = hex.EncodeToString(entry.secret)
	}

	s.logger.Warn("Key material exported", "key_ids", ids)
	return out, nil
}

// CheckAndMarkNonce forwards to the shared replay guard.
func (s *Store) CheckAndMarkNonce(id, nonce string, tsMs int64) error {
	return s.replay.CheckAndMark(id, nonce, tsMs)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
