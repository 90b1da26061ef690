// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chancery-keygen generates the server's Ed25519 signing keypair and
// writes it to the key file the chancery daemon loads. It refuses to
// overwrite an existing file and prints the public key for
// distribution to peers.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chancery/keyring"
	"github.com/bureau-foundation/chancery/lib/ref"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var serverName string
	var outPath string

	flagSet := pflag.NewFlagSet("chancery-keygen", pflag.ContinueOnError)
	flagSet.StringVar(&serverName, "server-name", "", "server name the key signs for (required)")
	flagSet.StringVar(&outPath, "out", "", "key file path to write (required)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if serverName == "" {
		return fmt.Errorf("--server-name is required")
	}
	if outPath == "" {
		return fmt.Errorf("--out is required")
	}

	server, err := ref.ParseServerName(serverName)
	if err != nil {
		return err
	}

	publicKey, err := keyring.GenerateKeyFile(outPath, server)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", outPath)
	fmt.Printf("server_name: %s\n", server)
	fmt.Printf("public_key: %s\n", hex.EncodeToString(publicKey))
	return nil
}
