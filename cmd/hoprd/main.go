// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kauki-labs/hoprnet/common"
	"github.com/kauki-labs/hoprnet/core/compat"
	"github.com/kauki-labs/hoprnet/hoprd"
	"github.com/kauki-labs/hoprnet/hoprd/config"
)

type cliConfig struct {
	configFile string
	genOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "hoprd",
		Short: "HOPR relay accounting node",
		Long: `hoprd is a relay node for the HOPR network.  It forwards packets for
its peers and is paid for the work with probabilistic payment tickets
settled over on-chain payment channels.

The daemon keeps the full ticket lifecycle on disk: issuance against
outgoing channels, validation and acknowledgement of incoming tickets,
aggregation, and redemption against the settlement layer.  A management
socket exposes the channel and ticket operations to the hopr tool.`,
		Example: `  # Start a node with the default configuration path
  hoprd

  # Start a node with a custom configuration file
  hoprd -f /etc/hoprnet/hoprd.toml

  # Generate the identity keys and exit
  hoprd -f /etc/hoprnet/hoprd.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.configFile, "config", "f", "hoprd.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.genOnly, "generate-only", "g", false,
		"generate the identity keys and exit without starting the node")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runServer(cfg cliConfig) error {
	// Set the umask to something "paranoid".
	compat.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.configFile, err)
	}
	if cfg.genOnly {
		serverCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := hoprd.New(serverCfg)
	if err != nil {
		if err == hoprd.ErrGenerateOnly {
			return nil
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate the server logs upon SIGHUP.
	go func() {
		<-rotateCh
		svr.RotateLog()
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
