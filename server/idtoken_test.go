package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/edgeguard/internal/testutil"
	"github.com/giantswarm/edgeguard/keystore"
)

func newTestSigner(t *testing.T) (*IDTokenSigner, *keystore.Store) {
	t.Helper()
	keys, err := keystore.New(keystore.NewInsecureDeterministicProvider(1), keystore.WithLogger(testutil.DiscardLogger()))
	if err != nil {
		t.Fatalf("keystore.New() error = %v", err)
	}
	if _, err := keys.CreateKey("oauth2_id_token", 1, 64, "", testEpoch); err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	return NewIDTokenSigner(keys, "", "https://auth.example.com"), keys
}

func TestIDTokenSigner_RoundTrip(t *testing.T) {
	signer, _ := newTestSigner(t)
	if signer.KeyID() != DefaultIDTokenKeyID {
		t.Errorf("KeyID() = %q", signer.KeyID())
	}

	raw, err := signer.Sign("alice", "web", "n1", "sess-1", "openid profile", testEpoch, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if strings.Count(raw, ".") != 2 {
		t.Fatalf("not a compact JWS: %q", raw)
	}

	claims, err := signer.Verify(raw, "web", testEpoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "alice" || claims.Nonce != "n1" || claims.SessionID != "sess-1" || claims.Scope != "openid profile" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if claims.AuthTime != testEpoch.Unix() {
		t.Errorf("AuthTime = %d", claims.AuthTime)
	}
}

func TestIDTokenSigner_Rejects(t *testing.T) {
	signer, keys := newTestSigner(t)
	raw, err := signer.Sign("alice", "web", "", "", "openid", testEpoch, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := signer.Verify(raw, "other", testEpoch); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong audience: error = %v", err)
	}
	if _, err := signer.Verify(raw, "web", testEpoch.Add(2*time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: error = %v", err)
	}
	if _, err := signer.Verify(raw[:len(raw)-4]+"AAAA", "web", testEpoch); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered: error = %v", err)
	}
	if _, err := signer.Verify("not-a-jwt", "web", testEpoch); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: error = %v", err)
	}

	other := NewIDTokenSigner(keys, "", "https://elsewhere.example.com")
	if _, err := other.Verify(raw, "web", testEpoch); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong issuer: error = %v", err)
	}

	if _, err := keys.RotateKey(DefaultIDTokenKeyID, 2, 64, testEpoch); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if _, err := signer.Verify(raw, "web", testEpoch); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("after rotation: error = %v", err)
	}
}

func TestIDTokenSigner_MissingKey(t *testing.T) {
	keys, err := keystore.New(keystore.NewInsecureDeterministicProvider(1))
	if err != nil {
		t.Fatal(err)
	}
	signer := NewIDTokenSigner(keys, "missing", "https://auth.example.com")
	if _, err := signer.Sign("alice", "web", "", "", "", testEpoch, time.Hour); err == nil {
		t.Error("expected error for missing key")
	}
}
