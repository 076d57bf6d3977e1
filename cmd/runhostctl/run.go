// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/coordinator"
	"github.com/runhost/runhost/lib/run"
)

func (a *app) runCommand() *cli.Command {
	var (
		lifetime    time.Duration
		credentials []string
		all         bool
		expireIn    time.Duration
		expireAt    string
	)

	transition := func(name, summary string, do func(*coordinator.Client, context.Context, string) (run.Snapshot, error)) *cli.Command {
		return a.leaf(name, summary, "runhostctl run "+name+" <run-id>", 1, nil,
			func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
				snapshot, err := do(client, ctx, args[0])
				if err != nil {
					return err
				}
				return a.printSnapshot(output, snapshot)
			})
	}

	return &cli.Command{
		Name:    "run",
		Summary: "Create, inspect and drive runs",
		Subcommands: []*cli.Command{
			a.leaf("create", "Register a run of a workflow", "runhostctl run create [flags] <workflow>", 1,
				func(flagSet *pflag.FlagSet) {
					flagSet.DurationVar(&lifetime, "lifetime", 0, "time until the run expires (default: the coordinator's)")
					flagSet.StringArrayVar(&credentials, "credential", nil, "NAME=VALUE passed to the executor's environment; repeatable")
				},
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					parsed, err := parseCredentials(credentials)
					if err != nil {
						return err
					}
					snapshot, err := client.Create(ctx, args[0], lifetime, parsed)
					if err != nil {
						return err
					}
					return a.printSnapshot(output, snapshot)
				}),
			a.leaf("get", "Show one run", "runhostctl run get <run-id>", 1, nil,
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					snapshot, err := client.Get(ctx, args[0])
					if err != nil {
						return err
					}
					return a.printSnapshot(output, snapshot)
				}),
			a.leaf("list", "List your runs", "runhostctl run list [--all]", 0,
				func(flagSet *pflag.FlagSet) {
					flagSet.BoolVar(&all, "all", false, "list every principal's runs (operators only)")
				},
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					runs, err := client.List(ctx, all)
					if err != nil {
						return err
					}
					if done, err := output.Emit(a.stdout, runs); done {
						return err
					}
					return printRuns(a.stdout, runs)
				}),
			transition("start", "Start a run's workflow", (*coordinator.Client).Start),
			transition("stop", "Pause an operating run", (*coordinator.Client).Stop),
			transition("resume", "Resume a stopped run", (*coordinator.Client).Resume),
			transition("destroy", "Tear a run down and forget it", (*coordinator.Client).Destroy),
			a.leaf("expire", "Change when a run expires", "runhostctl run expire (--in duration | --at RFC3339) <run-id>", 1,
				func(flagSet *pflag.FlagSet) {
					flagSet.DurationVar(&expireIn, "in", 0, "expire this long from now")
					flagSet.StringVar(&expireAt, "at", "", "expire at this RFC 3339 time")
				},
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					expiry, err := expiryFromFlags(expireIn, expireAt, time.Now())
					if err != nil {
						return err
					}
					snapshot, err := client.SetExpiry(ctx, args[0], expiry)
					if err != nil {
						return err
					}
					return a.printSnapshot(output, snapshot)
				}),
		},
	}
}

func parseCredentials(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	credentials := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("credential %q is not NAME=VALUE", pair)
		}
		if _, duplicate := credentials[name]; duplicate {
			return nil, fmt.Errorf("credential %s given twice", name)
		}
		credentials[name] = value
	}
	return credentials, nil
}

func expiryFromFlags(in time.Duration, at string, now time.Time) (time.Time, error) {
	switch {
	case in != 0 && at != "":
		return time.Time{}, fmt.Errorf("--in and --at are mutually exclusive")
	case in > 0:
		return now.Add(in), nil
	case at != "":
		expiry, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("--at: %w", err)
		}
		return expiry, nil
	}
	return time.Time{}, fmt.Errorf("one of --in or --at is required")
}

func (a *app) printSnapshot(output *cli.JSONOutput, snapshot run.Snapshot) error {
	if done, err := output.Emit(a.stdout, snapshot); done {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", snapshot.ID)
	fmt.Fprintf(tw, "owner\t%s\n", snapshot.Owner)
	fmt.Fprintf(tw, "workflow\t%s\n", snapshot.Workflow)
	fmt.Fprintf(tw, "state\t%s\n", snapshot.State)
	fmt.Fprintf(tw, "created\t%s\n", snapshot.Created.Format(time.RFC3339))
	fmt.Fprintf(tw, "expiry\t%s\n", snapshot.Expiry.Format(time.RFC3339))
	if snapshot.Worker != nil {
		fmt.Fprintf(tw, "worker\t%s\n", snapshot.Worker.Endpoint.Endpoint())
	}
	if snapshot.ExitCode != nil {
		fmt.Fprintf(tw, "exit code\t%d\n", *snapshot.ExitCode)
	}
	if snapshot.Failure != nil {
		fmt.Fprintf(tw, "failure\t%s\n", snapshot.Failure)
	}
	fmt.Fprintf(tw, "usage records\t%d\n", snapshot.UsageRecords)
	return tw.Flush()
}

func printRuns(w io.Writer, runs []run.Snapshot) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tWORKFLOW\tSTATE\tEXPIRY")
	for _, snapshot := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			snapshot.ID, snapshot.Owner, snapshot.Workflow, snapshot.State, snapshot.Expiry.Format(time.RFC3339))
	}
	return tw.Flush()
}
