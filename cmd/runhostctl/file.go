// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/coordinator"
	"github.com/runhost/runhost/lib/filesurface"
)

func (a *app) fileCommand() *cli.Command {
	var (
		offset   int64
		length   int
		from     string
		appendTo bool
	)
	return &cli.Command{
		Name:    "file",
		Summary: "Read and write files in a run's working directory",
		Subcommands: []*cli.Command{
			a.leaf("read", "Write a file's contents to stdout", "runhostctl file read [--offset n --length n] <run-id> <path>", 2,
				func(flagSet *pflag.FlagSet) {
					flagSet.Int64Var(&offset, "offset", 0, "first byte to read")
					flagSet.IntVar(&length, "length", 0, "bytes to read (default: the whole file)")
				},
				func(ctx context.Context, client *coordinator.Client, _ *cli.JSONOutput, args []string) error {
					var (
						data []byte
						err  error
					)
					if offset == 0 && length == 0 {
						data, err = client.ReadAll(ctx, args[0], args[1])
					} else {
						data, err = client.ReadFile(ctx, args[0], args[1], offset, length)
					}
					if err != nil {
						return err
					}
					_, err = a.stdout.Write(data)
					return err
				}),
			a.leaf("write", "Replace a file with stdin or a local file", "runhostctl file write [--from local] [--append] <run-id> <path>", 2,
				func(flagSet *pflag.FlagSet) {
					flagSet.StringVar(&from, "from", "", "local file to send (default stdin)")
					flagSet.BoolVar(&appendTo, "append", false, "append instead of replacing")
				},
				func(ctx context.Context, client *coordinator.Client, _ *cli.JSONOutput, args []string) error {
					data, err := a.readInput(from)
					if err != nil {
						return err
					}
					if appendTo {
						return client.AppendFile(ctx, args[0], args[1], data)
					}
					return client.WriteFile(ctx, args[0], args[1], data)
				}),
			a.leaf("rm", "Delete a file", "runhostctl file rm <run-id> <path>", 2, nil,
				func(ctx context.Context, client *coordinator.Client, _ *cli.JSONOutput, args []string) error {
					return client.DeleteFile(ctx, args[0], args[1])
				}),
			a.leaf("stat", "Show a file's size and modification time", "runhostctl file stat <run-id> <path>", 2, nil,
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					metadata, err := client.Metadata(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					if done, err := output.Emit(a.stdout, metadata); done {
						return err
					}
					fmt.Fprintf(a.stdout, "%d bytes, modified %s\n", metadata.Size, metadata.Modified.Format(time.RFC3339))
					return nil
				}),
			a.leaf("cp", "Copy a file from one of your runs into another", "runhostctl file cp <source-run> <source-path> <run-id> <path>", 4, nil,
				func(ctx context.Context, client *coordinator.Client, _ *cli.JSONOutput, args []string) error {
					return client.CopyFile(ctx, args[2], args[3], args[0], args[1])
				}),
		},
	}
}

func (a *app) dirCommand() *cli.Command {
	return &cli.Command{
		Name:    "dir",
		Summary: "List and manage directories in a run's working directory",
		Subcommands: []*cli.Command{
			a.leaf("ls", "List a directory", "runhostctl dir ls <run-id> [path]", -2, nil,
				func(ctx context.Context, client *coordinator.Client, output *cli.JSONOutput, args []string) error {
					path := ""
					if len(args) > 1 {
						path = args[1]
					}
					entries, err := client.ListDirectory(ctx, args[0], path)
					if err != nil {
						return err
					}
					if done, err := output.Emit(a.stdout, entries); done {
						return err
					}
					return printEntries(a.stdout, entries)
				}),
			a.leaf("mkdir", "Create a directory", "runhostctl dir mkdir <run-id> <path>", 2, nil,
				func(ctx context.Context, client *coordinator.Client, _ *cli.JSONOutput, args []string) error {
					return client.MakeDirectory(ctx, args[0], args[1])
				}),
			a.leaf("rm", "Delete a directory and everything in it", "runhostctl dir rm <run-id> <path>", 2, nil,
				func(ctx context.Context, client *coordinator.Client, _ *cli.JSONOutput, args []string) error {
					return client.DeleteDirectory(ctx, args[0], args[1])
				}),
		},
	}
}

func (a *app) readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(a.stdin)
	}
	return os.ReadFile(path)
}

func printEntries(w io.Writer, entries []filesurface.Entry) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	for _, entry := range entries {
		name := entry.Name
		if entry.IsDir {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, entry.Size, entry.Modified.Format(time.RFC3339))
	}
	return tw.Flush()
}
