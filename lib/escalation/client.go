// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package escalation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// PasswordFileEnv names the environment variable through which the
// escalator learns where its password is. The path never appears in
// argv.
const PasswordFileEnv = "RUNHOST_ESCALATION_PASSWORD_FILE"

// BootstrapEnv carries the line the escalator forwards to every
// worker after the password. Like the password file, it stays out of
// argv, and the escalator strips it from its children's environment.
const BootstrapEnv = "RUNHOST_ESCALATION_BOOTSTRAP"

// ErrClosed is returned by Spawn after the escalator has exited.
var ErrClosed = errors.New("escalator is not running")

// ClientConfig describes how the coordinator starts its escalator.
type ClientConfig struct {
	// Binary is the runhost-escalator executable.
	Binary string

	// PasswordFile is passed to the escalator through PasswordFileEnv.
	PasswordFile string

	// SudoPath, if set, overrides the escalator's sudo.
	SudoPath string

	// WorkerProgram and WorkerArgs become the escalator's trailing
	// arguments: the command each request runs.
	WorkerProgram string
	WorkerArgs    []string

	// Bootstrap is passed through BootstrapEnv.
	Bootstrap string

	// AbandonGrace is how long a worker whose Spawn was cancelled
	// gets between SIGTERM and SIGKILL. Defaults to 5s.
	AbandonGrace time.Duration

	Logger *slog.Logger
}

// Client drives a runhost-escalator subprocess from the coordinator.
// Requests are written one line at a time; the escalator's status
// lines are matched back to the Child each request produced.
type Client struct {
	logger       *slog.Logger
	command      *exec.Cmd
	abandonGrace time.Duration

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu       sync.Mutex
	children map[string]*Child
	closed   bool

	exited chan struct{}
}

// StartClient launches the escalator.
func StartClient(config ClientConfig) (*Client, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.AbandonGrace <= 0 {
		config.AbandonGrace = 5 * time.Second
	}
	var args []string
	if config.SudoPath != "" {
		args = append(args, "-sudo", config.SudoPath)
	}
	args = append(args, "--", config.WorkerProgram)
	args = append(args, config.WorkerArgs...)

	command := exec.Command(config.Binary, args...)
	command.Env = append(os.Environ(), PasswordFileEnv+"="+config.PasswordFile)
	if config.Bootstrap != "" {
		command.Env = append(command.Env, BootstrapEnv+"="+config.Bootstrap)
	}
	command.Stderr = os.Stderr
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating escalator stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating escalator stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting escalator %s: %w", config.Binary, err)
	}

	client := &Client{
		logger:       config.Logger,
		command:      command,
		abandonGrace: config.AbandonGrace,
		stdin:        stdin,
		children:     make(map[string]*Child),
		exited:       make(chan struct{}),
	}
	go client.readOutput(stdout)
	config.Logger.Info("escalator started", "pid", command.Process.Pid)
	return client, nil
}

// Spawn sends request to the escalator and waits until it reports the
// spawned process's pid or a spawn failure. If ctx ends first the
// request cannot be withdrawn, so a worker that starts anyway is
// terminated once the escalator reports it.
func (c *Client) Spawn(ctx context.Context, request Request) (*Child, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}

	child := newChild(request.Token)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := c.children[request.Token]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("token %q already in use", request.Token)
	}
	c.children[request.Token] = child
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err := io.WriteString(c.stdin, request.Line()+"\n")
	c.writeMu.Unlock()
	if err != nil {
		c.forget(request.Token)
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case <-child.started:
		if child.spawnErr != nil {
			c.forget(request.Token)
			return nil, child.spawnErr
		}
		return child, nil
	case <-ctx.Done():
		go c.reapAbandoned(child)
		return nil, ctx.Err()
	}
}

// reapAbandoned stops a child nobody is waiting for. The child stays
// registered until the escalator reports it exited.
func (c *Client) reapAbandoned(child *Child) {
	<-child.started
	if child.spawnErr != nil {
		c.forget(child.token)
		return
	}
	c.logger.Warn("terminating worker from a cancelled spawn", "token", child.token, "pid", child.pid)
	if err := child.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Warn("signalling abandoned worker failed", "token", child.token, "error", err)
	}
	grace := time.NewTimer(c.abandonGrace)
	defer grace.Stop()
	select {
	case <-child.exited:
	case <-grace.C:
		if err := child.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Warn("killing abandoned worker failed", "token", child.token, "error", err)
		}
	}
}

// Close ends the escalator's input, which makes it exit once the
// current request is processed, and waits for its output to drain.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.stdin.Close()
	c.writeMu.Unlock()
	<-c.exited
	waitErr := c.command.Wait()
	if err != nil {
		return err
	}
	return waitErr
}

func (c *Client) forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.children, token)
}

func (c *Client) lookup(token string) *Child {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.children[token]
}

// readOutput dispatches status lines and logs everything else.
func (c *Client) readOutput(stdout io.Reader) {
	defer close(c.exited)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		c.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("reading escalator output failed", "error", err)
	}

	// The escalator is gone: nothing will report on pending children.
	c.mu.Lock()
	c.closed = true
	pending := c.children
	c.children = map[string]*Child{}
	c.mu.Unlock()
	for _, child := range pending {
		child.markStarted(0, ErrClosed)
		child.markExited(-1)
	}
}

func (c *Client) handleLine(line string) {
	token, rest, isStatus, ok := splitLine(line)
	if !ok {
		c.logger.Warn("escalator diagnostic", "line", line)
		return
	}
	if !isStatus {
		c.logger.Info("worker output", "token", token, "line", rest)
		return
	}

	child := c.lookup(token)
	if child == nil {
		c.logger.Debug("status for unknown token", "token", token, "status", rest)
		return
	}
	switch {
	case strings.HasPrefix(rest, statusStarted):
		pid, err := strconv.Atoi(strings.TrimPrefix(rest, statusStarted))
		if err != nil {
			child.markStarted(0, fmt.Errorf("escalator reported unparseable pid %q", rest))
			return
		}
		child.markStarted(pid, nil)
	case strings.HasPrefix(rest, statusSpawnFailed):
		child.markStarted(0, fmt.Errorf("escalator: %s", strings.TrimPrefix(rest, statusSpawnFailed)))
	case strings.HasPrefix(rest, statusExited):
		status, err := strconv.Atoi(strings.TrimPrefix(rest, statusExited))
		if err != nil {
			status = -1
		}
		child.markExited(status)
		c.forget(token)
	default:
		c.logger.Warn("unrecognised escalator status", "token", token, "status", rest)
	}
}

// splitLine parses "[token] text" and "[token]! status".
func splitLine(line string) (token, rest string, isStatus, ok bool) {
	if !strings.HasPrefix(line, "[") {
		return "", "", false, false
	}
	end := strings.Index(line, "]")
	if end < 2 {
		return "", "", false, false
	}
	token = line[1:end]
	remainder := line[end+1:]
	switch {
	case strings.HasPrefix(remainder, "! "):
		return token, remainder[2:], true, true
	case strings.HasPrefix(remainder, " "):
		return token, remainder[1:], false, true
	}
	return "", "", false, false
}

// Child is a process the escalator started on the coordinator's
// behalf. Its PID is the sudo process, which relays catchable signals
// to the worker it runs.
type Child struct {
	token string

	startOnce sync.Once
	started   chan struct{}
	pid       int
	spawnErr  error

	exitOnce sync.Once
	exited   chan struct{}
	status   int
}

func newChild(token string) *Child {
	return &Child{token: token, started: make(chan struct{}), exited: make(chan struct{})}
}

func (c *Child) markStarted(pid int, err error) {
	c.startOnce.Do(func() {
		c.pid = pid
		c.spawnErr = err
		close(c.started)
	})
}

func (c *Child) markExited(status int) {
	c.exitOnce.Do(func() {
		c.status = status
		close(c.exited)
	})
}

// PID returns the sudo process id.
func (c *Child) PID() int { return c.pid }

// Token returns the correlation token the child was spawned with.
func (c *Child) Token() string { return c.token }

// Signal delivers sig to the sudo process.
func (c *Child) Signal(sig os.Signal) error {
	number, ok := sig.(unix.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	select {
	case <-c.exited:
		return os.ErrProcessDone
	default:
	}
	return unix.Kill(c.pid, number)
}

// Kill sends SIGKILL to the sudo process.
func (c *Child) Kill() error { return c.Signal(unix.SIGKILL) }

// Exited is closed once the escalator reports the child reaped.
func (c *Child) Exited() <-chan struct{} { return c.exited }

// ExitCode is valid after Exited is closed.
func (c *Child) ExitCode() int {
	<-c.exited
	return c.status
}
