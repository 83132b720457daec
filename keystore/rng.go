package keystore

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// RandomProvider fills buffers with key material.
type RandomProvider interface {
	// Fill overwrites b with random bytes.
	Fill(b []byte) error

	// Name identifies the provider in logs and status output.
	Name() string

	// Secure reports whether the provider is backed by a CSPRNG.
	Secure() bool
}

// SystemProvider draws bytes from crypto/rand.
type SystemProvider struct{}

// NewSystemProvider returns the operating system CSPRNG provider.
func NewSystemProvider() *SystemProvider {
	return &SystemProvider{}
}

// Fill implements RandomProvider.
func (SystemProvider) Fill(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("reading system randomness: %w", err)
	}
	return nil
}

// Name implements RandomProvider.
func (SystemProvider) Name() string { return "system" }

// Secure implements RandomProvider.
func (SystemProvider) Secure() bool { return true }

// InsecureDeterministicProvider produces a reproducible byte stream from a
// seed, a counter and a splitmix64 finalizer.
//
// WARNING: the output is predictable. It exists for tests and for
// environments that explicitly opt in through configuration. Never use it
// for production key material.
type InsecureDeterministicProvider struct {
	mu      sync.Mutex
	state   uint64
	counter uint64
}

// NewInsecureDeterministicProvider creates a deterministic provider. A zero
// seed is replaced with the current wall clock in nanoseconds.
func NewInsecureDeterministicProvider(seed uint64) *InsecureDeterministicProvider {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &InsecureDeterministicProvider{state: seed}
}

// Fill implements RandomProvider.
func (p *InsecureDeterministicProvider) Fill(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var word [8]byte
	for i := 0; i < len(b); i += 8 {
		p.counter++
		p.state += 0x9e3779b97f4a7c15
		binary.LittleEndian.PutUint64(word[:], mix64(p.state^p.counter))
		copy(b[i:], word[:])
	}
	return nil
}

// Name implements RandomProvider.
func (p *InsecureDeterministicProvider) Name() string { return "insecure-deterministic" }

// Secure implements RandomProvider.
func (p *InsecureDeterministicProvider) Secure() bool { return false }

func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
