// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/bounded"
	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/remote"
)

// BrokerConfig describes how to start runhost-broker.
type BrokerConfig struct {
	// Binary is the path to the runhost-broker executable.
	Binary string

	// Port and LocalhostOnly become the broker's positional arguments.
	Port          int
	LocalhostOnly bool

	// StartupTimeout bounds the wait for the handle on stdout.
	StartupTimeout time.Duration

	Clock clock.Clock

	// Logger receives the coordinator's own broker events and, once
	// the broker is up, every line the broker writes to stderr.
	Logger *slog.Logger
}

// stderrTailLines is how much broker stderr is kept for the startup
// failure message.
const stderrTailLines = 16

// Broker is a running runhost-broker process.
type Broker struct {
	Handle handle.Handle

	command *exec.Cmd
	stdin   io.WriteCloser
	exited  chan struct{}
	waitErr error
}

type readResult struct {
	handle handle.Handle
	err    error
}

// StartBroker launches the broker and returns once it has printed its
// handle. The broker serves until Stop is called.
func StartBroker(ctx context.Context, config BrokerConfig) (*Broker, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 10 * time.Second
	}

	command := exec.Command(config.Binary, strconv.Itoa(config.Port), strconv.FormatBool(config.LocalhostOnly))
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating broker stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating broker stdout pipe: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("creating broker stderr pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting broker %s: %w", config.Binary, err)
	}

	broker := &Broker{command: command, stdin: stdin, exited: make(chan struct{})}
	tail := &stderrTail{limit: stderrTailLines}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
		for scanner.Scan() {
			if tail.add(scanner.Text()) {
				config.Logger.Info("directory broker", "output", scanner.Text())
			}
		}
		io.Copy(io.Discard, stderr)
	}()

	// stdout has exactly one reader: the handle, then a drain so the
	// broker never blocks on a full pipe.
	results := make(chan readResult, 1)
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		minted, err := handle.Read(stdout)
		results <- readResult{handle: minted, err: err}
		if err == nil {
			io.Copy(io.Discard, stdout)
		}
	}()

	go func() {
		<-stdoutDone
		<-stderrDone
		broker.waitErr = command.Wait()
		close(broker.exited)
	}()

	var minted handle.Handle
	readErr := bounded.Run(ctx, config.Clock, config.StartupTimeout, func(ctx context.Context) error {
		select {
		case result := <-results:
			minted = result.handle
			return result.err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if readErr != nil {
		command.Process.Kill()
		<-broker.exited
		if message := tail.String(); message != "" {
			return nil, fmt.Errorf("broker did not report a handle: %w (stderr: %s)", readErr, message)
		}
		return nil, fmt.Errorf("broker did not report a handle: %w", readErr)
	}

	for _, line := range tail.forward() {
		config.Logger.Info("directory broker", "output", line)
	}

	broker.Handle = minted
	config.Logger.Info("directory broker started",
		"pid", command.Process.Pid,
		"endpoint", minted.Endpoint(),
		"localhost_only", config.LocalhostOnly,
	)
	return broker, nil
}

// stderrTail keeps the last limit lines of broker stderr until the
// broker is up, after which every line goes to the log instead.
type stderrTail struct {
	mu         sync.Mutex
	limit      int
	lines      []string
	forwarding bool
}

// add records line and reports whether the caller should log it
// instead.
func (t *stderrTail) add(line string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forwarding {
		return true
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = slices.Delete(t.lines, 0, len(t.lines)-t.limit)
	}
	return false
}

// forward switches to logging and returns the lines kept so far.
func (t *stderrTail) forward() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forwarding = true
	lines := t.lines
	t.lines = nil
	return lines
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}

// PID returns the broker's process id.
func (b *Broker) PID() int { return b.command.Process.Pid }

// Stop closes the broker's stdin, which it treats as a shutdown
// request, and waits for it to exit. The process is killed if it has
// not exited when ctx is done.
func (b *Broker) Stop(ctx context.Context) error {
	b.stdin.Close()
	select {
	case <-b.exited:
	case <-ctx.Done():
		b.command.Process.Kill()
		<-b.exited
		return ctx.Err()
	}
	var exitError *exec.ExitError
	if errors.As(b.waitErr, &exitError) {
		return fmt.Errorf("broker exited with status %d", exitError.ExitCode())
	}
	return b.waitErr
}

// Exited is closed when the broker process ends.
func (b *Broker) Exited() <-chan struct{} { return b.exited }

// Host is a Registry served on its own listener: the body of
// runhost-broker.
type Host struct {
	Handle   handle.Handle
	Registry *Registry

	server *remote.Server
}

// NewHost binds according to config and prepares the directory. It
// does not accept connections until Serve is called.
func NewHost(config handle.ListenConfig, logger *slog.Logger) (*Host, error) {
	listener, minted, err := handle.Listen(config)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry(logger)
	server := remote.NewServer(listener, minted.Namespace, logger)
	registry.Register(server)
	return &Host{Handle: minted, Registry: registry, server: server}, nil
}

// Serve answers directory requests until ctx is cancelled.
func (h *Host) Serve(ctx context.Context) error {
	return h.server.Serve(ctx)
}
