// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chancery is the homeserver daemon: it loads the YAML config and
// signing key, opens the event store, and assembles the room
// pipeline, sync engine, gap resolver, and federation exchanger.
//
// The daemon carries no network stack. Wire transport, TLS, and
// request routing are external collaborators: a deployment embeds the
// assembled core behind its own listener and hands it already-parsed
// events and sync requests. Run standalone, the binary validates the
// configuration, brings the core up, and holds it until SIGINT or
// SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chancery/backfill"
	"github.com/bureau-foundation/chancery/event"
	"github.com/bureau-foundation/chancery/eventstore"
	"github.com/bureau-foundation/chancery/federation"
	"github.com/bureau-foundation/chancery/keyring"
	"github.com/bureau-foundation/chancery/lib/ref"
	"github.com/bureau-foundation/chancery/roomserver"
	"github.com/bureau-foundation/chancery/syncapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("chancery", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to chancery.yaml (overrides CHANCERY_CONFIG)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var cfg *Config
	var err error
	if configPath != "" {
		cfg, err = LoadConfigFile(configPath)
	} else {
		cfg, err = LoadConfig()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := assemble(cfg, logger)
	if err != nil {
		return err
	}
	defer core.close()

	logger.Info("chancery ready",
		"server_name", cfg.ServerName,
		"database", cfg.Database.Path,
		"federation", cfg.Federation.Enabled,
		"presets", len(core.presets),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// daemon is the assembled core. A deployment's transport layer drives
// the client surface through rooms (create/submit), sync (long-poll
// deltas), and exchanger (inbound transactions).
type daemon struct {
	store     *eventstore.Store
	rooms     *roomserver.Server
	notifier  *syncapi.Notifier
	sync      *syncapi.Engine
	gaps      *backfill.Resolver    // nil when federation is off
	exchanger *federation.Exchanger // nil when federation is off
	presets   map[string]roomserver.Preset
}

// assemble wires the components. Construction order matters only for
// federation: the exchanger and gap resolver both ingest through the
// room server, which in turn fans out through the exchanger, so the
// ingest callbacks close over a late-bound server pointer.
func assemble(cfg *Config, logger *slog.Logger) (*daemon, error) {
	signer, err := keyring.LoadKeyFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if signer.ServerName().String() != cfg.ServerName {
		return nil, fmt.Errorf("key file %s is for %s, config server_name is %s",
			cfg.KeyFile, signer.ServerName(), cfg.ServerName)
	}

	ring := keyring.NewStaticRing()
	ring.Add(signer.ServerName(), signer.PublicKey())
	for _, peer := range cfg.Peers {
		server, key, err := peer.parse()
		if err != nil {
			return nil, err
		}
		ring.Add(server, key)
	}

	store, err := eventstore.Open(eventstore.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{store: store, notifier: syncapi.NewNotifier()}

	d.sync, err = syncapi.New(syncapi.Config{
		Reader:        store,
		Notifier:      d.notifier,
		Logger:        logger,
		TimelineLimit: cfg.Sync.TimelineLimit,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	d.presets, err = loadPresets(cfg.PresetsDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	roomCfg := roomserver.Config{
		Store:            store,
		Signer:           signer,
		Ring:             ring,
		Waker:            d.notifier,
		Logger:           logger,
		VerifyResolution: cfg.VerifyResolution,
	}

	if cfg.Federation.Enabled {
		// The room server does not exist yet; ingest closes over the
		// pointer and is only invoked once senders have traffic,
		// well after assemble returns.
		var core *roomserver.Server
		ingest := func(ctx context.Context, origin ref.ServerName, e *event.Event) error {
			return core.IngestFederationEvent(ctx, origin, e)
		}

		wire := &droppingTransport{logger: logger}
		logger.Warn("federation enabled without a wire transport; outbound transactions are dropped")

		d.exchanger, err = federation.New(federation.Config{
			Origin:      signer.ServerName(),
			Transport:   wire,
			Ingest:      ingest,
			Rooms:       store,
			Logger:      logger,
			MaxInFlight: cfg.Federation.MaxInFlight,
			BaseBackoff: cfg.Federation.retryBase(),
		})
		if err != nil {
			store.Close()
			return nil, err
		}

		d.gaps, err = backfill.New(backfill.Config{
			Presence:    store,
			Fetcher:     wire,
			Ingest:      ingest,
			Logger:      logger,
			MaxAttempts: cfg.Federation.BackfillAttempts,
		})
		if err != nil {
			d.exchanger.Close()
			store.Close()
			return nil, err
		}

		roomCfg.Fanout = d.exchanger
		roomCfg.Gaps = d.gaps

		d.rooms, err = roomserver.New(roomCfg)
		if err == nil {
			core = d.rooms
		}
	} else {
		d.rooms, err = roomserver.New(roomCfg)
	}
	if err != nil {
		if d.gaps != nil {
			d.gaps.Close()
		}
		if d.exchanger != nil {
			d.exchanger.Close()
		}
		store.Close()
		return nil, err
	}

	return d, nil
}

// close shuts the core down: senders and fetch loops first, then the
// store under them.
func (d *daemon) close() {
	if d.exchanger != nil {
		d.exchanger.Close()
	}
	if d.gaps != nil {
		d.gaps.Close()
	}
	if err := d.store.Close(); err != nil {
		slog.Error("closing event store", "error", err)
	}
}

// loadPresets reads every .jsonc file in dir as a room-creation
// preset, keyed by file name without extension. An empty dir path
// yields no presets.
func loadPresets(dir string) (map[string]roomserver.Preset, error) {
	presets := make(map[string]roomserver.Preset)
	if dir == "" {
		return presets, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading presets dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonc") {
			continue
		}
		preset, err := roomserver.ReadPresetFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		presets[strings.TrimSuffix(name, ".jsonc")] = preset
	}
	return presets, nil
}

// droppingTransport stands in for the deployment's wire transport.
// Outbound transactions are dropped after logging; backfill fetches
// fail, so gaps from any locally injected federation traffic are
// declared permanent after the bounded attempts.
type droppingTransport struct {
	logger *slog.Logger
}

func (t *droppingTransport) SendTransaction(ctx context.Context, destination ref.ServerName, payload []byte) error {
	t.logger.Debug("dropping outbound transaction",
		"destination", destination,
		"bytes", len(payload),
	)
	return nil
}

func (t *droppingTransport) FetchEvents(ctx context.Context, server ref.ServerName, roomID ref.RoomID, ids []ref.EventID) ([]*event.Event, error) {
	return nil, fmt.Errorf("no wire transport configured")
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chancery — homeserver core daemon.

Loads configuration from --config or the CHANCERY_CONFIG environment
variable, opens the event store, and assembles the room pipeline.
Generate the signing key first with chancery-keygen.

Usage:
  chancery --config /etc/chancery/chancery.yaml

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
