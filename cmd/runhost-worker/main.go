// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/runhost/runhost/lib/bootstrap"
	"github.com/runhost/runhost/lib/bounded"
	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/config"
	"github.com/runhost/runhost/lib/directory"
	"github.com/runhost/runhost/lib/process"
	"github.com/runhost/runhost/lib/worker"
)

// bootstrapTimeout bounds the wait for the bootstrap line.
const bootstrapTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	if err := process.DieWithParent(); err != nil {
		return err
	}

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to runhost.yaml (default $RUNHOST_CONFIG)")
	flag.Parse()

	if flag.NArg() != 1 {
		return process.Exitf(2, "usage: runhost-worker -config path token")
	}
	token := flag.Arg(0)

	var boot bootstrap.Worker
	err := bounded.Run(context.Background(), clock.Real(), bootstrapTimeout, func(context.Context) error {
		var err error
		boot, err = bootstrap.Read(os.Stdin)
		return err
	})
	if err != nil {
		return fmt.Errorf("reading bootstrap: %w", err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := worker.New(worker.Config{
		Token:          token,
		WorkRoot:       cfg.Paths.Work,
		Executor:       cfg.Worker.Executor,
		Pausable:       cfg.Worker.Pausable,
		Socket:         filepath.Join(cfg.Paths.Sockets, token+".sock"),
		CoordinatorUID: boot.CoordinatorUID,
		Directory:      directory.NewClient(boot.Directory),
		GracePeriod:    cfg.Worker.GracePeriod,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	logger.Info("worker starting",
		"work_dir", server.WorkDir(),
		"endpoint", server.Handle().Endpoint(),
		"uid", os.Getuid(),
	)
	return server.Serve(ctx)
}
