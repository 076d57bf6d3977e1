// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/runhost/runhost/cmd/runhostctl/cli"
	"github.com/runhost/runhost/lib/handle"
)

func (a *app) handleCommand() *cli.Command {
	return &cli.Command{
		Name:    "handle",
		Summary: "Inspect serialized endpoint handles",
		Subcommands: []*cli.Command{
			{
				Name:    "decode",
				Summary: "Decode a handle from text or its CBOR form on stdin",
				Usage:   "runhostctl handle decode [text]",
				Examples: []cli.Example{
					{Description: "Show where the coordinator is listening", Command: "runhostctl handle decode $(cat /var/lib/runhost/state/coordinator.sock.handle)"},
					{Description: "Decode what runhost-broker printed", Command: "runhost-broker 0 true </dev/null | runhostctl handle decode"},
				},
				Run: func(args []string) error {
					var (
						decoded handle.Handle
						err     error
					)
					switch len(args) {
					case 0:
						decoded, err = handle.Read(a.stdin)
					case 1:
						decoded, err = handle.ParseText(strings.TrimSpace(args[0]))
					default:
						return fmt.Errorf("usage: runhostctl handle decode [text]")
					}
					if err != nil {
						return err
					}
					if err := decoded.Validate(); err != nil {
						return err
					}
					return writeHandle(a.stdout, decoded)
				},
			},
		},
	}
}

func writeHandle(w io.Writer, h handle.Handle) error {
	return cli.WriteJSON(w, map[string]any{
		"network":   h.Network,
		"address":   h.Address,
		"port":      h.Port,
		"namespace": h.Namespace,
		"endpoint":  h.Endpoint(),
	})
}
