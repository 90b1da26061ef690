// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/chancery/lib/ref"
)

// Config is the daemon's YAML configuration. The config file is the
// single source of truth: environment variables never override file
// values, and the only implicit input is CHANCERY_CONFIG naming the
// file itself.
type Config struct {
	// ServerName is this server's federation identity. Every event
	// the daemon signs carries it; changing it orphans the key file.
	ServerName string `yaml:"server_name"`

	// KeyFile is the Ed25519 signing key file written by
	// chancery-keygen.
	KeyFile string `yaml:"key_file"`

	Database   DatabaseConfig   `yaml:"database"`
	Sync       SyncConfig       `yaml:"sync"`
	Federation FederationConfig `yaml:"federation"`

	// Peers are the remote servers whose events this server will
	// verify, with their Ed25519 public keys (hex). Events signed by
	// servers not listed here are rejected with an unknown-key
	// verdict.
	Peers []PeerConfig `yaml:"peers"`

	// PresetsDir holds room-creation preset files (JSONC). Optional;
	// empty means no presets beyond the built-ins.
	PresetsDir string `yaml:"presets_dir"`

	// VerifyResolution recomputes every state resolution and halts a
	// room on divergence. Costs a full re-resolution per append.
	VerifyResolution bool `yaml:"verify_resolution"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig locates the event store.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist before startup.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero uses the store
	// default.
	PoolSize int `yaml:"pool_size"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// TimelineLimit caps events per room per sync response. Zero
	// uses the engine default.
	TimelineLimit int `yaml:"timeline_limit"`
}

// FederationConfig tunes the exchanger and gap resolver.
type FederationConfig struct {
	// Enabled turns on outbound fan-out and the gap resolver. Off,
	// the daemon runs standalone: local rooms only.
	Enabled bool `yaml:"enabled"`

	// MaxInFlight bounds simultaneous outbound sends across all
	// destinations. Zero uses the exchanger default.
	MaxInFlight int64 `yaml:"max_in_flight"`

	// RetryBase is the first resend delay after a failed delivery,
	// doubled per consecutive failure. A Go duration string ("1s",
	// "500ms"); empty uses the default.
	RetryBase string `yaml:"retry_base"`

	// BackfillAttempts bounds fetch attempts per missing ancestor
	// before the gap is declared permanent. Zero uses the default.
	BackfillAttempts int `yaml:"backfill_attempts"`
}

// retryBase returns the parsed resend delay; zero when unset. Call
// only after Validate.
func (c *FederationConfig) retryBase() time.Duration {
	if c.RetryBase == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.RetryBase)
	return d
}

// PeerConfig is one trusted remote server.
type PeerConfig struct {
	ServerName string `yaml:"server_name"`
	PublicKey  string `yaml:"public_key"`
}

// parse returns the typed server name and decoded key.
func (p PeerConfig) parse() (ref.ServerName, ed25519.PublicKey, error) {
	server, err := ref.ParseServerName(p.ServerName)
	if err != nil {
		return ref.ServerName{}, nil, fmt.Errorf("peer server_name: %w", err)
	}
	key, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return ref.ServerName{}, nil, fmt.Errorf("peer %s: decoding public_key: %w", p.ServerName, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return ref.ServerName{}, nil, fmt.Errorf("peer %s: public_key is %d bytes, want %d", p.ServerName, len(key), ed25519.PublicKeySize)
	}
	return server, ed25519.PublicKey(key), nil
}

// DefaultConfig returns the base configuration the file merges onto.
// It exists so every field has a sensible zero value, not as a
// substitute for the file: ServerName, KeyFile, and Database.Path
// have no defaults and must be set.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// LoadConfig reads the file named by CHANCERY_CONFIG. There is no
// fallback path: if the variable is unset, this fails.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CHANCERY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CHANCERY_CONFIG environment variable not set; " +
			"set it to the path of your chancery.yaml, or use --config")
	}
	return LoadConfigFile(path)
}

// LoadConfigFile reads and validates a specific config file.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate collects every problem with the configuration rather than
// stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, errors.New("server_name is required"))
	} else if _, err := ref.ParseServerName(c.ServerName); err != nil {
		errs = append(errs, fmt.Errorf("server_name: %w", err))
	}

	if c.KeyFile == "" {
		errs = append(errs, errors.New("key_file is required"))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.PoolSize < 0 {
		errs = append(errs, errors.New("database.pool_size must not be negative"))
	}

	if c.Sync.TimelineLimit < 0 {
		errs = append(errs, errors.New("sync.timeline_limit must not be negative"))
	}

	if c.Federation.MaxInFlight < 0 {
		errs = append(errs, errors.New("federation.max_in_flight must not be negative"))
	}
	if c.Federation.RetryBase != "" {
		d, err := time.ParseDuration(c.Federation.RetryBase)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("federation.retry_base: %w", err))
		case d <= 0:
			errs = append(errs, errors.New("federation.retry_base must be positive"))
		}
	}
	if c.Federation.BackfillAttempts < 0 {
		errs = append(errs, errors.New("federation.backfill_attempts must not be negative"))
	}

	for _, peer := range c.Peers {
		if _, _, err := peer.parse(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.PresetsDir != "" {
		info, err := os.Stat(c.PresetsDir)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("presets_dir: %w", err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("presets_dir %s is not a directory", c.PresetsDir))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	return errors.Join(errs...)
}

// slogLevel maps the config level name, already validated, to its
// slog level.
func (c *Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
