// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/coordinator"
)

// call is what a leaf command does once it is connected.
type call func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error

// leaf builds a command that talks to the coordinator. It takes
// exactly arity positional arguments, or at least -arity-1 when arity
// is negative.
func (a *app) leaf(name, summary, usage string, arity int, extra func(*pflag.FlagSet), body call) *cli.Command {
	var (
		conn   connection
		output cli.JSONOutput
	)
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   usage,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			conn.register(flagSet)
			output.Register(flagSet)
			if extra != nil {
				extra(flagSet)
			}
			return flagSet
		},
		Run: func(args []string) error {
			if arity >= 0 && len(args) != arity {
				return fmt.Errorf("usage: %s", usage)
			}
			if arity < 0 && len(args) < -arity-1 {
				return fmt.Errorf("usage: %s", usage)
			}
			client, err := a.connect(conn)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return body(ctx, client, &output, args)
		},
	}
}
