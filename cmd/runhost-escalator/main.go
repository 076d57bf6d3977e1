// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/runhost/runhost/lib/escalation"
	"github.com/runhost/runhost/lib/process"
	"github.com/runhost/runhost/lib/secret"
)

const (
	exitUsage          = 2
	exitNoPasswordFile = 3
	exitBadPassword    = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdin, os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, input io.Reader, output, diagnostics io.Writer) error {
	flags := flag.NewFlagSet("runhost-escalator", flag.ContinueOnError)
	flags.SetOutput(diagnostics)
	sudoPath := flags.String("sudo", "sudo", "privilege escalation utility")
	if err := flags.Parse(args); err != nil {
		return process.Exitf(exitUsage, "%v", err)
	}
	command := flags.Args()
	if len(command) == 0 {
		return process.Exitf(exitUsage, "usage: runhost-escalator [-sudo path] -- worker-program [worker-args...]")
	}

	passwordFile := getenv(escalation.PasswordFileEnv)
	if passwordFile == "" {
		return process.Exitf(exitNoPasswordFile, "%s is not set", escalation.PasswordFileEnv)
	}
	password, err := secret.ReadFirstLine(passwordFile)
	if err != nil {
		return process.Exitf(exitBadPassword, "reading password file: %w", err)
	}
	defer password.Close()

	logger := slog.New(slog.NewJSONHandler(diagnostics, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("escalator ready", "sudo", *sudoPath, "worker", command[0])

	channel := &escalation.Channel{
		SudoPath:  *sudoPath,
		Program:   command[0],
		Args:      command[1:],
		Password:  password,
		Bootstrap: getenv(escalation.BootstrapEnv),
		Output:    output,
		Logger:    logger,
	}
	err = channel.Serve(ctx, input)
	channel.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving requests: %w", err)
	}
	logger.Info("escalator exiting")
	return nil
}
