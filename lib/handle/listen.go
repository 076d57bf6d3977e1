// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// DefaultPort is the registry port used when none is given.
const DefaultPort = 1099

// LoopbackHost is bound and advertised in localhost-only mode.
const LoopbackHost = "127.0.0.1"

// ListenConfig selects how an endpoint binds and what it advertises.
type ListenConfig struct {
	// Port to bind. Zero picks an ephemeral port.
	Port int

	// LocalhostOnly binds the loopback address and advertises it as
	// the canonical host of every handle minted by this endpoint.
	LocalhostOnly bool

	// AdvertiseHost overrides the advertised host in unrestricted
	// mode. Empty means the machine's host name.
	AdvertiseHost string
}

// ArgumentError reports unparseable bootstrap arguments.
type ArgumentError struct {
	Argument string
	Reason   string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Argument, e.Reason)
}

// ParseArgs interprets the broker's positional arguments: an optional
// port (default DefaultPort) followed by an optional localhost-only
// boolean (default false).
func ParseArgs(args []string) (ListenConfig, error) {
	config := ListenConfig{Port: DefaultPort}
	if len(args) > 2 {
		return ListenConfig{}, &ArgumentError{Argument: args[2], Reason: "unexpected extra argument"}
	}
	if len(args) >= 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 0 || port > 65535 {
			return ListenConfig{}, &ArgumentError{Argument: args[0], Reason: "port must be an integer between 0 and 65535"}
		}
		config.Port = port
	}
	if len(args) == 2 {
		localhostOnly, err := strconv.ParseBool(args[1])
		if err != nil {
			return ListenConfig{}, &ArgumentError{Argument: args[1], Reason: "localhostOnly must be true or false"}
		}
		config.LocalhostOnly = localhostOnly
	}
	return config, nil
}

// Listen binds a tcp listener according to config and returns it with
// a freshly minted handle addressing it.
func Listen(config ListenConfig) (net.Listener, Handle, error) {
	bindHost := ""
	advertise := config.AdvertiseHost
	if config.LocalhostOnly {
		bindHost = LoopbackHost
		advertise = LoopbackHost
	}
	if advertise == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, Handle{}, fmt.Errorf("resolving host name: %w", err)
		}
		advertise = hostname
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(config.Port)))
	if err != nil {
		return nil, Handle{}, fmt.Errorf("binding port %d: %w", config.Port, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	return listener, Handle{
		Network:   "tcp",
		Address:   advertise,
		Port:      port,
		Namespace: uuid.NewString(),
	}, nil
}

// ListenUnix binds a unix socket at path and mints a handle for it.
// A stale socket file at path is removed first.
func ListenUnix(path string) (net.Listener, Handle, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, Handle{}, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, Handle{}, fmt.Errorf("listening on %s: %w", path, err)
	}
	return listener, Handle{Network: "unix", Address: path, Namespace: uuid.NewString()}, nil
}
