package keystore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"slices"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, err := New(NewInsecureDeterministicProvider(42), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, id string, version uint32, length int, fingerprint string) Meta {
	t.Helper()
	meta, err := s.CreateKey(id, version, length, fingerprint, time.Time{})
	if err != nil {
		t.Fatalf("CreateKey(%q) error = %v", id, err)
	}
	return meta
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) error = nil, want error")
	}
}

func TestCreateKey(t *testing.T) {
	s := newTestStore(t)

	meta := mustCreate(t, s, "auth_hmac", 1, 32, "fp-hash")
	if meta.KeyID != "auth_hmac" || meta.Version != 1 {
		t.Errorf("meta = %s v%d, want auth_hmac v1", meta.KeyID, meta.Version)
	}
	if meta.Status != StatusActive {
		t.Errorf("Status = %v, want %v", meta.Status, StatusActive)
	}
	if meta.DeviceFingerprint != "fp-hash" || meta.Length != 32 {
		t.Errorf("meta fingerprint = %q, length = %d", meta.DeviceFingerprint, meta.Length)
	}

	_, secret, err := s.Get("auth_hmac")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("len(secret) = %d, want 32", len(secret))
	}
}

func TestCreateKey_InvalidParameters(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		id      string
		version uint32
		length  int
	}{
		{name: "empty id", id: "", version: 1, length: 32},
		{name: "id with separator", id: "a|b", version: 1, length: 32},
		{name: "zero version", id: "k", version: 0, length: 32},
		{name: "too short", id: "k", version: 1, length: 8},
		{name: "too long", id: "k", version: 1, length: MaxKeyLength + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateKey(tt.id, tt.version, tt.length, "", time.Time{})
			if !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("CreateKey() error = %v, want %v", err, ErrInvalidParameter)
			}
		})
	}
}

func TestCreateKey_ExistingRejected(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "k", 1, 0, "")

	if _, err := s.CreateKey("k", 2, 0, "", time.Time{}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("CreateKey() error = %v, want %v", err, ErrInvalidParameter)
	}
}

func TestRotateKey(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "k", 1, 32, "device")
	_, before, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	meta, err := s.RotateKey("k", 2, 48, time.Time{})
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if meta.Version != 2 || meta.DeviceFingerprint != "device" || meta.Length != 48 {
		t.Errorf("meta = v%d %q len %d, want v2 device len 48", meta.Version, meta.DeviceFingerprint, meta.Length)
	}

	_, after, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if bytes.Equal(before, after) {
		t.Error("secret unchanged after rotation")
	}
}

func TestRotateKey_Errors(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RotateKey("missing", 2, 0, time.Time{}); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("RotateKey(missing) error = %v, want %v", err, ErrNotAvailable)
	}

	mustCreate(t, s, "k", 3, 0, "")

	if _, err := s.RotateKey("k", 3, 0, time.Time{}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("RotateKey() same version error = %v, want %v", err, ErrInvalidParameter)
	}

	if _, err := s.SetStatus("k", StatusRevoked); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if _, err := s.RotateKey("k", 4, 0, time.Time{}); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("RotateKey() revoked error = %v, want %v", err, ErrInvalidParameter)
	}
}

func TestSetStatus_Transitions(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "k", 1, 0, "")

	meta, err := s.SetStatus("k", StatusDisabled)
	if err != nil {
		t.Fatalf("SetStatus(disabled) error = %v", err)
	}
	if meta.Status != StatusDisabled {
		t.Errorf("Status = %v, want %v", meta.Status, StatusDisabled)
	}

	if _, err := s.ActiveSecret("k"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("ActiveSecret() error = %v, want %v", err, ErrNotAvailable)
	}

	meta, err = s.SetStatus("k", StatusActive)
	if err != nil {
		t.Fatalf("SetStatus(active) error = %v", err)
	}
	if meta.Status != StatusActive {
		t.Errorf("Status = %v, want %v", meta.Status, StatusActive)
	}

	if _, err := s.SetStatus("k", StatusRevoked); err != nil {
		t.Fatalf("SetStatus(revoked) error = %v", err)
	}

	if _, err := s.SetStatus("k", StatusActive); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("SetStatus() after revoke error = %v, want %v", err, ErrInvalidParameter)
	}

	if _, err := s.SetStatus("missing", StatusActive); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("SetStatus(missing) error = %v, want %v", err, ErrNotAvailable)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "k", 1, 32, "")

	_, secret, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	secret[0] ^= 0xff

	_, again, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if secret[0] == again[0] {
		t.Error("Get() returned shared backing storage")
	}
}

func TestExportHex(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ImportKey("k", 1, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("ImportKey() error = %v", err)
	}

	if _, err := s.ExportHex([]string{"k"}, false); !errors.Is(err, ErrConsentRequired) {
		t.Errorf("ExportHex() without consent error = %v, want %v", err, ErrConsentRequired)
	}

	out, err := s.ExportHex([]string{"k"}, true)
	if err != nil {
		t.Fatalf("ExportHex() error = %v", err)
	}
	if want := hex.EncodeToString([]byte("0123456789abcdef")); out["k"] != want {
		t.Errorf("ExportHex()[k] = %q, want %q", out["k"], want)
	}

	if _, err := s.ExportHex([]string{"missing"}, true); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("ExportHex(missing) error = %v, want %v", err, ErrNotAvailable)
	}
}

func TestList_Sorted(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		mustCreate(t, s, id, 1, 0, "")
	}

	var ids []string
	for _, m := range s.List() {
		ids = append(ids, m.KeyID)
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(ids, want) {
		t.Errorf("List() ids = %v, want %v", ids, want)
	}

	metas := s.MetaFor([]string{"b", "missing", "a"})
	if len(metas) != 2 {
		t.Fatalf("MetaFor() len = %d, want 2", len(metas))
	}
	if metas[0].KeyID != "a" {
		t.Errorf("MetaFor()[0] = %q, want a", metas[0].KeyID)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Disabled ")
	if err != nil {
		t.Fatalf("ParseStatus() error = %v", err)
	}
	if st != StatusDisabled {
		t.Errorf("ParseStatus() = %v, want %v", st, StatusDisabled)
	}

	if _, err := ParseStatus("gone"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("ParseStatus(gone) error = %v, want %v", err, ErrInvalidParameter)
	}
}

func TestInsecureDeterministicProvider_Reproducible(t *testing.T) {
	a := make([]byte, 40)
	b := make([]byte, 40)
	if err := NewInsecureDeterministicProvider(7).Fill(a); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if err := NewInsecureDeterministicProvider(7).Fill(b); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same seed produced different bytes")
	}
	if NewInsecureDeterministicProvider(7).Secure() {
		t.Error("deterministic provider reports Secure()")
	}
	if !NewSystemProvider().Secure() {
		t.Error("system provider reports not Secure()")
	}
}
