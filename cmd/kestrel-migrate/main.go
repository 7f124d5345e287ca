// Kestrel - Behavioral risk scoring for every session.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command kestrel-migrate applies or inspects schema migrations.
//
// Usage:
//
//	kestrel-migrate [up|down|status|version|redo] [args...]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: kestrel-migrate [up|down|status|version|redo] [args...]")
	}
	flag.Parse()

	command := "up"
	var args []string
	if flag.NArg() > 0 {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(cfg.Logging.Level, cfg.Logging.Format))

	if err := repository.RunMigrations(context.Background(), cfg.Repository, command, args...); err != nil {
		slog.Error("migration failed", "command", command, "driver", cfg.Repository.Driver, "error", err)
		os.Exit(1)
	}
	slog.Info("migration complete", "command", command, "driver", cfg.Repository.Driver)
}
