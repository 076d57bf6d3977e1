// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/coordinator"
	"github.com/runhost/runhost/lib/usage"
)

func (a *app) usageCommand() *cli.Command {
	var (
		owner string
		jobID string
		since time.Duration
		limit int
	)
	return &cli.Command{
		Name:    "usage",
		Summary: "Inspect the usage-record journal",
		Subcommands: []*cli.Command{
			a.leaf("list", "List usage records, newest first", "runhostctl usage list [flags]", 0,
				func(flagSet *pflag.FlagSet) {
					flagSet.StringVar(&owner, "owner", "", "records of this principal (operators only; default yourself)")
					flagSet.StringVar(&jobID, "run", "", "records of one run")
					flagSet.DurationVar(&since, "since", 0, "only records finished within this long")
					flagSet.IntVar(&limit, "limit", 0, "maximum records (default 100)")
				},
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					var after time.Time
					if since > 0 {
						after = time.Now().Add(-since)
					}
					records, err := client.Usage(ctx, owner, jobID, after, limit)
					if err != nil {
						return err
					}
					if done, err := output.Emit(a.stdout, records); done {
						return err
					}
					return printUsage(a.stdout, records)
				}),
		},
	}
}

func printUsage(w io.Writer, records []usage.Record) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tOWNER\tEXIT\tWALL\tUSER\tSYSTEM\tMAX RSS\tFINISHED")
	for _, record := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			record.JobID, record.Owner, record.ExitCode,
			record.Wall().Round(time.Millisecond), record.UserCPU.Round(time.Millisecond),
			record.SystemCPU.Round(time.Millisecond), record.MaxRSS,
			record.Finished.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) quotaCommand() *cli.Command {
	var (
		global         int
		defaultPerUser int
		operatingLimit int
		perUser        map[string]int
	)
	return &cli.Command{
		Name:    "quota",
		Summary: "Show or change run limits",
		Subcommands: []*cli.Command{
			a.leaf("get", "Show the current limits", "runhostctl quota get", 0, nil,
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					quota, err := client.Quota(ctx)
					if err != nil {
						return err
					}
					return a.printQuota(output, quota)
				}),
			a.leaf("set", "Change limits (operators only)", "runhostctl quota set [flags]", 0,
				func(flagSet *pflag.FlagSet) {
					flagSet.IntVar(&global, "global", -1, "runs on the host (0 is unbounded)")
					flagSet.IntVar(&defaultPerUser, "default-per-user", -1, "runs per principal (0 is unbounded)")
					flagSet.IntVar(&operatingLimit, "operating", -1, "runs executing at once (0 is unbounded)")
					flagSet.StringToIntVar(&perUser, "per-user", nil, "principal=limit overrides, replacing the current set")
				},
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					quota, err := client.Quota(ctx)
					if err != nil {
						return err
					}
					if global >= 0 {
						quota.Global = global
					}
					if defaultPerUser >= 0 {
						quota.DefaultPerUser = defaultPerUser
					}
					if operatingLimit >= 0 {
						quota.OperatingLimit = operatingLimit
					}
					if perUser != nil {
						quota.PerUser = perUser
					}
					updated, err := client.UpdateQuota(ctx, quota)
					if err != nil {
						return err
					}
					return a.printQuota(output, updated)
				}),
		},
	}
}

func (a *app) printQuota(output *cli.JSONOutput, quota admission.Quota) error {
	if done, err := output.Emit(a.stdout, quota); done {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "global\t%s\n", limit(quota.Global))
	fmt.Fprintf(tw, "default per user\t%s\n", limit(quota.DefaultPerUser))
	fmt.Fprintf(tw, "operating\t%s\n", limit(quota.OperatingLimit))
	for _, principal := range slices.Sorted(maps.Keys(quota.PerUser)) {
		fmt.Fprintf(tw, "  %s\t%s\n", principal, limit(quota.PerUser[principal]))
	}
	return tw.Flush()
}

func limit(n int) string {
	if n == 0 {
		return "unbounded"
	}
	return fmt.Sprint(n)
}

func (a *app) statusCommand() *cli.Command {
	return a.leaf("status", "Show run counts and operating slots", "runhostctl status", 0, nil,
		func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if done, err := output.Emit(a.stdout, status); done {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
			for _, state := range slices.Sorted(maps.Keys(status.States)) {
				fmt.Fprintf(tw, "%s\t%d\n", state, status.States[state])
			}
			fmt.Fprintf(tw, "operating slots\t%d of %s\n", status.Operating, limit(status.Quota.OperatingLimit))
			fmt.Fprintf(tw, "waiting for a slot\t%d\n", status.Waiting)
			return tw.Flush()
		})
}
