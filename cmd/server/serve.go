// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opaquefs/opaquefs/internal/account"
	"github.com/opaquefs/opaquefs/internal/ftpserver"
)

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Server.Root, 0o700); err != nil {
		return fmt.Errorf("creating server root: %w", err)
	}

	accounts, err := account.Open(filepath.Join(cfg.Server.Root, "accounts.db"))
	if err != nil {
		return fmt.Errorf("opening account store: %w", err)
	}
	defer func() { _ = accounts.Close() }()

	srvCfg := ftpserver.DefaultConfig()
	srvCfg.Listen = cfg.Server.Listen
	srvCfg.ServerRoot = cfg.Server.Root
	if cfg.Server.MaxCons > 0 {
		srvCfg.MaxCons = cfg.Server.MaxCons
	}
	if cfg.Server.MaxConsPerIP > 0 {
		srvCfg.MaxConsPerIP = cfg.Server.MaxConsPerIP
	}
	if cfg.Server.IdleTimeout > 0 {
		srvCfg.IdleTimeout = cfg.Server.IdleTimeout
	}
	if cfg.Server.ShutdownWindow > 0 {
		srvCfg.ShutdownWindow = cfg.Server.ShutdownWindow
	}

	srv := ftpserver.New(srvCfg, accounts, slog.Default())
	slog.Info("starting opaquefs server", "listen", srvCfg.Listen, "root", srvCfg.ServerRoot)
	return srv.Run(context.Background())
}
