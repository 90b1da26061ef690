// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/chancery/lib/ref"
)

// KeyFile is the on-disk form of the server's signing identity: the
// server name and the hex-encoded 32-byte Ed25519 seed. Written by
// chancery-keygen, read by the daemon at startup.
type KeyFile struct {
	ServerName string `yaml:"server_name"`
	SigningKey string `yaml:"signing_key"`
}

// GenerateKeyFile creates a fresh Ed25519 keypair for the given server
// and writes it to path with owner-only permissions. Fails if the file
// already exists — overwriting a signing key orphans every event the
// server has signed.
func GenerateKeyFile(path string, server ref.ServerName) (ed25519.PublicKey, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("keyring: key file %s already exists", path)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generating key: %w", err)
	}

	data, err := yaml.Marshal(KeyFile{
		ServerName: server.String(),
		SigningKey: hex.EncodeToString(privateKey.Seed()),
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: encoding key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("keyring: writing key file: %w", err)
	}
	return publicKey, nil
}

// LoadKeyFile reads a key file and returns a signer for its server.
func LoadKeyFile(path string) (*LocalSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: reading key file: %w", err)
	}

	var file KeyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("keyring: parsing key file %s: %w", path, err)
	}

	server, err := ref.ParseServerName(file.ServerName)
	if err != nil {
		return nil, fmt.Errorf("keyring: key file %s: %w", path, err)
	}

	seed, err := hex.DecodeString(file.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: key file %s: decoding signing key: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: key file %s: signing key is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}

	return NewLocalSigner(server, ed25519.NewKeyFromSeed(seed))
}
