package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// SealedPrefix marks values produced by a Sealer.
const SealedPrefix = "sealed:v1:"

// Sealer wraps exported key material with AES-256-GCM. A Sealer built
// without a key passes values through untouched.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer. An empty key disables sealing; otherwise the
// key must be 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		return &Sealer{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Enabled reports whether Seal encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil && s.aead != nil
}

// Seal encrypts plaintext bound to label (typically the key id) and returns
// SealedPrefix followed by base64 of nonce||ciphertext.
func (s *Sealer) Seal(label, plaintext string) (string, error) {
	if !s.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return SealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. The label must match the one used to seal.
func (s *Sealer) Open(label, sealed string) (string, error) {
	if !s.Enabled() {
		return sealed, nil
	}
	if len(sealed) < len(SealedPrefix) || sealed[:len(SealedPrefix)] != SealedPrefix {
		return "", fmt.Errorf("value is not sealed")
	}

	raw, err := base64.StdEncoding.DecodeString(sealed[len(SealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(label))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SealAll seals every value of m with its map key as label.
func (s *Sealer) SealAll(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for label, v := range m {
		sealed, err := s.Seal(label, v)
		if err != nil {
			return nil, fmt.Errorf("sealing %s: %w", label, err)
		}
		out[label] = sealed
	}
	return out, nil
}

// GenerateSealingKey returns a new random 32-byte key.
func GenerateSealingKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded sealing key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes a sealing key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
