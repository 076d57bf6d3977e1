// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/runhost/runhost/lib/config"
	"github.com/runhost/runhost/lib/coordinator"
	"github.com/runhost/runhost/lib/handle"
)

// connection holds the flags that locate the coordinator.
type connection struct {
	configPath string
	handleFile string
	principal  string
}

func (c *connection) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.configPath, "config", "", "path to runhost.yaml (default $RUNHOST_CONFIG)")
	flagSet.StringVar(&c.handleFile, "handle-file", "", "coordinator handle file (default <socket>.handle)")
	flagSet.StringVar(&c.principal, "as", "", "act for this principal (operators only)")
}

// resolveHandleFile finds the coordinator's handle file: the flag, the
// configured socket, or the default socket when no config is set.
func (c *connection) resolveHandleFile() (string, error) {
	if c.handleFile != "" {
		return c.handleFile, nil
	}
	var (
		cfg *config.Config
		err error
	)
	switch {
	case c.configPath != "":
		cfg, err = config.LoadFile(c.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return "", err
	}
	return cfg.Coordinator.Socket + ".handle", nil
}

func (a *app) connect(c connection) (*coordinator.Client, error) {
	if a.dial != nil {
		return a.dial(c)
	}
	path, err := c.resolveHandleFile()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading coordinator handle (is runhost-coordinator running?): %w", err)
	}
	target, err := handle.ParseText(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	client := coordinator.NewClient(target)
	client.Principal = c.principal
	return client, nil
}
