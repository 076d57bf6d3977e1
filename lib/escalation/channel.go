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
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/runhost/runhost/lib/secret"
)

// Channel is the escalator's request loop. It reads one Request per
// line from its input, spawns each worker through sudo, and copies the
// worker's output back out, prefixed with the request token.
type Channel struct {
	// SudoPath is the privilege-escalation utility. Defaults to
	// "sudo" resolved on PATH.
	SudoPath string

	// Program and Args name the worker command. The request token is
	// appended after Args.
	Program string
	Args    []string

	// Password is written to each child's stdin right after it starts.
	Password *secret.Buffer

	// Bootstrap, if set, is written as a second stdin line for the
	// worker itself to read once sudo has taken the password.
	Bootstrap string

	// Output receives diagnostics, status lines and forwarded child
	// output.
	Output io.Writer

	Logger *slog.Logger

	outputMu sync.Mutex
	children sync.WaitGroup
}

// Serve processes input until end of stream or ctx cancellation.
// Requests are handled strictly in arrival order. Malformed lines and
// spawn failures are reported and skipped; neither ends the loop. A
// nil return means input reached end of stream.
func (c *Channel) Serve(ctx context.Context, input io.Reader) error {
	if c.Password == nil {
		return errors.New("escalation channel has no password")
	}
	if c.Program == "" {
		return errors.New("escalation channel has no worker program")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	scanner := bufio.NewScanner(input)
	lineNumber := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNumber++
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		request, err := ParseRequest(line)
		if err != nil {
			c.Logger.Warn("rejecting request", "line_number", lineNumber, "error", err)
			c.writeLine(fmt.Sprintf("error: line %d: %v", lineNumber, err))
			continue
		}

		if err := c.spawn(request); err != nil {
			c.Logger.Error("spawn failed", "user", request.TargetUser, "token", request.Token, "error", err)
			c.writeLine(statusLine(request.Token, statusSpawnFailed+err.Error()))
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

// Wait blocks until every forwarding goroutine has finished, that is,
// until every spawned child has closed its output and been reaped.
func (c *Channel) Wait() {
	c.children.Wait()
}

func (c *Channel) spawn(request Request) error {
	sudo := c.SudoPath
	if sudo == "" {
		sudo = "sudo"
	}
	argv := BuildArgs(sudo, request.TargetUser, c.Program, c.Args, request.Token)

	command := exec.Command(argv[0], argv[1:]...)
	command.Env = childEnv(os.Environ())
	stdinRead, stdin, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	output, outputWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdin.Close()
		return fmt.Errorf("creating output pipe: %w", err)
	}
	command.Stdin = stdinRead
	command.Stdout = outputWrite
	command.Stderr = outputWrite

	startErr := command.Start()
	// The child has its own copies of these ends.
	stdinRead.Close()
	outputWrite.Close()
	if startErr != nil {
		stdin.Close()
		output.Close()
		return fmt.Errorf("starting %s: %w", argv[0], startErr)
	}
	pid := command.Process.Pid

	// Answer sudo's password prompt and hand the worker its bootstrap,
	// then close stdin so neither sudo nor the worker waits on it.
	writeErr := c.Password.WriteLineTo(stdin)
	if writeErr == nil && c.Bootstrap != "" {
		_, writeErr = io.WriteString(stdin, c.Bootstrap+"\n")
	}
	stdin.Close()
	if writeErr != nil {
		c.Logger.Warn("writing child stdin failed", "token", request.Token, "pid", pid, "error", writeErr)
	}

	c.Logger.Info("worker spawned", "user", request.TargetUser, "token", request.Token, "pid", pid)
	c.writeLine(statusLine(request.Token, statusStarted+strconv.Itoa(pid)))

	c.children.Add(1)
	go c.forward(request.Token, command, output)
	return nil
}

// childEnv drops the escalator's private variables from env.
func childEnv(env []string) []string {
	return slices.DeleteFunc(slices.Clone(env), func(entry string) bool {
		return strings.HasPrefix(entry, PasswordFileEnv+"=") || strings.HasPrefix(entry, BootstrapEnv+"=")
	})
}

// forward copies a child's merged output line by line, then reaps it.
// Its own I/O errors are logged; there is nobody to return them to.
func (c *Channel) forward(token string, command *exec.Cmd, output io.ReadCloser) {
	defer c.children.Done()
	defer output.Close()

	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		c.writeLine(outputLine(token, scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		c.Logger.Warn("forwarding child output failed", "token", token, "error", err)
		io.Copy(io.Discard, output)
	}

	status := 0
	if err := command.Wait(); err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			status = exitError.ExitCode()
		} else {
			status = -1
			c.Logger.Warn("reaping child failed", "token", token, "error", err)
		}
	}
	c.Logger.Info("worker exited", "token", token, "pid", command.Process.Pid, "status", status)
	c.writeLine(statusLine(token, statusExited+strconv.Itoa(status)))
}

func (c *Channel) writeLine(line string) {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()
	if _, err := io.WriteString(c.Output, line+"\n"); err != nil {
		c.Logger.Warn("writing channel output failed", "error", err)
	}
}
