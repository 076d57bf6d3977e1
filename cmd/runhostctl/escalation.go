// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/config"
	"github.com/runhost/runhost/lib/secret"
)

func (a *app) escalationCommand() *cli.Command {
	var (
		configPath string
		file       string
	)
	return &cli.Command{
		Name:    "escalation",
		Summary: "Provision the escalator",
		Subcommands: []*cli.Command{
			{
				Name:    "set-password",
				Summary: "Write the sudo password file the escalator reads",
				Description: "Prompts for the password twice without echo, or reads one line from stdin\n" +
					"when stdin is not a terminal, and writes it to the configured password file\n" +
					"with mode 0600.",
				Usage: "runhostctl escalation set-password [--file path]",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("set-password", pflag.ContinueOnError)
					flagSet.StringVar(&configPath, "config", "", "path to runhost.yaml (default $RUNHOST_CONFIG)")
					flagSet.StringVar(&file, "file", "", "password file (default escalation.password_file)")
					return flagSet
				},
				Run: func(args []string) error {
					if len(args) != 0 {
						return fmt.Errorf("usage: runhostctl escalation set-password [--file path]")
					}
					path := file
					if path == "" {
						cfg, err := loadConfig(configPath)
						if err != nil {
							return err
						}
						path = cfg.Escalation.PasswordFile
					}
					if path == "" {
						return fmt.Errorf("no password file: pass --file or set escalation.password_file")
					}

					password, err := a.readPassword()
					if err != nil {
						return err
					}
					defer password.Close()
					if err := writePasswordFile(path, password); err != nil {
						return err
					}
					fmt.Fprintf(a.stderr, "password written to %s\n", path)
					return nil
				},
			},
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// readPassword prompts on the terminal, or takes the first line of
// stdin when it is not one.
func (a *app) readPassword() (*secret.Buffer, error) {
	if stdin, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(stdin.Fd())) {
		fmt.Fprint(a.stderr, "sudo password: ")
		first, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		defer secret.Zero(first)
		fmt.Fprint(a.stderr, "again: ")
		second, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		defer secret.Zero(second)
		if !bytes.Equal(first, second) {
			return nil, errors.New("passwords do not match")
		}
		if len(first) == 0 {
			return nil, secret.ErrEmpty
		}
		return secret.NewFromBytes(first)
	}

	reader := bufio.NewReader(a.stdin)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("reading password from stdin: %w", err)
	}
	defer secret.Zero(line)
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, secret.ErrEmpty
	}
	return secret.NewFromBytes(line)
}

// writePasswordFile replaces path atomically with a 0600 file holding
// the password and a newline.
func writePasswordFile(path string, password *secret.Buffer) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), ".password-*")
	if err != nil {
		return fmt.Errorf("creating password file: %w", err)
	}
	defer os.Remove(temporary.Name())
	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("restricting password file: %w", err)
	}
	if err := password.WriteLineTo(temporary); err != nil {
		temporary.Close()
		return fmt.Errorf("writing password file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("writing password file: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return fmt.Errorf("installing password file: %w", err)
	}
	return nil
}
