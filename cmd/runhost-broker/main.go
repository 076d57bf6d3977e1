// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/runhost/runhost/lib/directory"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/process"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string, input io.Reader, output, diagnostics io.Writer) error {
	config, err := handle.ParseArgs(args)
	if err != nil {
		return process.Exitf(2, "%v\nusage: runhost-broker [port] [localhostOnly]", err)
	}

	logger := slog.New(slog.NewJSONHandler(diagnostics, &slog.HandlerOptions{Level: slog.LevelInfo}))

	host, err := directory.NewHost(config, logger)
	if err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := handle.Write(output, host.Handle); err != nil {
		return fmt.Errorf("writing handle: %w", err)
	}
	logger.Info("directory serving",
		"endpoint", host.Handle.Endpoint(),
		"localhost_only", config.LocalhostOnly,
	)

	// The coordinator closes our stdin to stop us.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		io.Copy(io.Discard, input)
		cancel()
	}()

	if err := host.Serve(ctx); err != nil {
		return fmt.Errorf("serving directory: %w", err)
	}
	logger.Info("directory stopped")
	return nil
}
