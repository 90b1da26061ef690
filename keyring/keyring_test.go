// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/lib/ref"
)

var (
	testServer = ref.MustParseServerName("chancery.local")
	testSender = ref.MustParseUserID("@alice:chancery.local")
	testRoom   = ref.MustParseRoomID("!room:chancery.local")
	testParent = ref.MustParseEventID("$parent0000000000000000000000000000000000")
)

func newSigner(t *testing.T) *LocalSigner {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := NewLocalSigner(testServer, privateKey)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	return signer
}

func testEvent(t *testing.T) *event.Event {
	t.Helper()
	content, err := event.MarshalContent(map[string]string{"body": "hello"})
	if err != nil {
		t.Fatalf("MarshalContent: %v", err)
	}
	return &event.Event{
		RoomID:         testRoom,
		Sender:         testSender,
		Type:           event.TypeMessage,
		Content:        content,
		PrevEvents:     []ref.EventID{testParent},
		Depth:          2,
		OriginServerTS: 1700000000000,
	}
}

func TestSignAndVerify(t *testing.T) {
	signer := newSigner(t)
	ring := NewStaticRing()
	ring.Add(testServer, signer.PublicKey())

	e := testEvent(t)
	if err := signer.SignEvent(e); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	if len(e.Signature) != ed25519.SignatureSize {
		t.Fatalf("signature is %d bytes, want %d", len(e.Signature), ed25519.SignatureSize)
	}

	result, err := VerifyEvent(ring, e)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if result != Valid {
		t.Errorf("VerifyEvent = %v, want %v", result, Valid)
	}
}

func TestVerifyTamperedEvent(t *testing.T) {
	signer := newSigner(t)
	ring := NewStaticRing()
	ring.Add(testServer, signer.PublicKey())

	e := testEvent(t)
	if err := signer.SignEvent(e); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}

	// Any change to a canonical field invalidates the signature.
	e.Depth++
	result, err := VerifyEvent(ring, e)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if result != Invalid {
		t.Errorf("VerifyEvent on tampered event = %v, want %v", result, Invalid)
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	signer := newSigner(t)
	ring := NewStaticRing()
	ring.Add(testServer, signer.PublicKey())

	e := testEvent(t)
	result, err := VerifyEvent(ring, e)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if result != Invalid {
		t.Errorf("VerifyEvent with no signature = %v, want %v", result, Invalid)
	}
}

func TestVerifyUnknownServer(t *testing.T) {
	signer := newSigner(t)
	ring := NewStaticRing() // signer's key NOT added

	e := testEvent(t)
	if err := signer.SignEvent(e); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}

	result, err := VerifyEvent(ring, e)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if result != UnknownKey {
		t.Errorf("VerifyEvent with unknown server = %v, want %v", result, UnknownKey)
	}
}

func TestSignRejectsForeignSender(t *testing.T) {
	signer := newSigner(t)

	e := testEvent(t)
	e.Sender = ref.MustParseUserID("@mallory:other.example")
	if err := signer.SignEvent(e); err == nil {
		t.Fatal("SignEvent should refuse senders from other servers")
	}
}

func TestVerifyResultString(t *testing.T) {
	tests := []struct {
		result VerifyResult
		want   string
	}{
		{Valid, "valid"},
		{Invalid, "invalid"},
		{UnknownKey, "unknown-key"},
	}
	for _, test := range tests {
		if got := test.result.String(); got != test.want {
			t.Errorf("String() = %q, want %q", got, test.want)
		}
	}
}

// --- Key files ---

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	publicKey, err := GenerateKeyFile(path, testServer)
	if err != nil {
		t.Fatalf("GenerateKeyFile: %v", err)
	}

	signer, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	if signer.ServerName() != testServer {
		t.Errorf("ServerName = %v, want %v", signer.ServerName(), testServer)
	}
	if !signer.PublicKey().Equal(publicKey) {
		t.Error("loaded public key differs from generated key")
	}

	// Signatures from the loaded signer verify.
	ring := NewStaticRing()
	ring.Add(testServer, signer.PublicKey())
	e := testEvent(t)
	if err := signer.SignEvent(e); err != nil {
		t.Fatalf("SignEvent: %v", err)
	}
	result, err := VerifyEvent(ring, e)
	if err != nil {
		t.Fatalf("VerifyEvent: %v", err)
	}
	if result != Valid {
		t.Errorf("VerifyEvent = %v, want %v", result, Valid)
	}
}

func TestGenerateKeyFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if _, err := GenerateKeyFile(path, testServer); err != nil {
		t.Fatalf("GenerateKeyFile: %v", err)
	}
	if _, err := GenerateKeyFile(path, testServer); err == nil {
		t.Fatal("GenerateKeyFile should refuse to overwrite an existing key")
	}
}

func TestLoadKeyFileRejectsBadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := writeKeyFile(path, "chancery.local", "deadbeef"); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadKeyFile(path); err == nil {
		t.Fatal("LoadKeyFile should reject a short seed")
	}
}

func writeKeyFile(path, server, key string) error {
	data := "server_name: " + server + "\nsigning_key: " + key + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}
