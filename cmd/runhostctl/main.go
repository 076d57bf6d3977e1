// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/coordinator"
)

func main() {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := a.root().Execute(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every command shares.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// dial overrides connection resolution in tests.
	dial func(connection) (*coordinator.Client, error)
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:        "runhostctl",
		Summary:     "Manage runs on a runhost coordinator",
		Description: "runhostctl drives runhost-coordinator: runs, their files, usage records and quotas.",
		Output:      a.stderr,
		Subcommands: []*cli.Command{
			a.runCommand(),
			a.fileCommand(),
			a.dirCommand(),
			a.usageCommand(),
			a.quotaCommand(),
			a.statusCommand(),
			a.escalationCommand(),
			a.handleCommand(),
		},
	}
}
