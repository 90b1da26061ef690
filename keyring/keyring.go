// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring maps server names to Ed25519 signing keys and
// verifies event signatures against them.
//
// Verification has three outcomes, not two: a signature can check out
// (Valid), fail against a known key (Invalid), or be unverifiable
// because the origin server's key is not held (UnknownKey). The
// authorization engine treats the last two differently in its
// rejection reasons, so the distinction is preserved here instead of
// being collapsed into a boolean.
package keyring

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

// VerifyResult is the outcome of an event signature check.
type VerifyResult int

const (
	// Valid means the signature verifies against the origin server's
	// known key.
	Valid VerifyResult = iota

	// Invalid means the origin server's key is known and the
	// signature does not verify against it.
	Invalid

	// UnknownKey means no key is held for the origin server, so the
	// signature cannot be checked either way.
	UnknownKey
)

// String returns "valid", "invalid", or "unknown-key".
func (r VerifyResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case UnknownKey:
		return "unknown-key"
	default:
		return "unknown"
	}
}

// Ring resolves server signing keys. Implementations must be safe for
// concurrent use.
type Ring interface {
	// PublicKey returns the Ed25519 public key for the given server,
	// and whether one is held.
	PublicKey(server ref.ServerName) (ed25519.PublicKey, bool)
}

// VerifyEvent checks the event's signature against the signing key of
// the sender's server. The returned error is non-nil only for internal
// failures (canonical encoding); signature outcomes are reported in
// the VerifyResult.
func VerifyEvent(ring Ring, e *event.Event) (VerifyResult, error) {
	key, ok := ring.PublicKey(e.Sender.Server())
	if !ok {
		return UnknownKey, nil
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return Invalid, nil
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return Invalid, fmt.Errorf("keyring: canonical form for verification: %w", err)
	}
	if !ed25519.Verify(key, canonical, e.Signature) {
		return Invalid, nil
	}
	return Valid, nil
}

// LocalSigner signs locally built events with this server's key.
type LocalSigner struct {
	server     ref.ServerName
	privateKey ed25519.PrivateKey
}

// NewLocalSigner wraps the server's private key. The key must be a
// full ed25519.PrivateKey (seed + public half).
func NewLocalSigner(server ref.ServerName, privateKey ed25519.PrivateKey) (*LocalSigner, error) {
	if server.IsZero() {
		return nil, fmt.Errorf("keyring: signer requires a server name")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring: private key is %d bytes, want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	return &LocalSigner{server: server, privateKey: privateKey}, nil
}

// ServerName returns the server this signer signs for.
func (s *LocalSigner) ServerName() ref.ServerName { return s.server }

// PublicKey returns the public half of the signing key.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}

// SignEvent computes the event's canonical bytes and sets its
// signature. The sender must belong to this signer's server — signing
// another server's events would produce signatures no ring accepts.
func (s *LocalSigner) SignEvent(e *event.Event) error {
	if e.Sender.Server() != s.server {
		return fmt.Errorf("keyring: sender %s is not on signing server %s", e.Sender, s.server)
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("keyring: canonical form for signing: %w", err)
	}
	e.Signature = ed25519.Sign(s.privateKey, canonical)
	return nil
}

// StaticRing is an in-memory Ring populated from configuration or by
// tests. Keys are added as servers are introduced; there is no
// expiry or rotation.
type StaticRing struct {
	mu   sync.RWMutex
	keys map[ref.ServerName]ed25519.PublicKey
}

// NewStaticRing returns an empty ring.
func NewStaticRing() *StaticRing {
	return &StaticRing{keys: make(map[ref.ServerName]ed25519.PublicKey)}
}

// Add registers (or replaces) the key for a server.
func (r *StaticRing) Add(server ref.ServerName, key ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[server] = key
}

// PublicKey implements Ring.
func (r *StaticRing) PublicKey(server ref.ServerName) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[server]
	return key, ok
}
