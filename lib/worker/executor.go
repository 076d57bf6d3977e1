// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/run"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("executor already started")

	// ErrNotRunning is returned by Pause and Resume when there is
	// nothing in the matching phase.
	ErrNotRunning = errors.New("executor is not in a pausable phase")

	// ErrNotPausable is returned by Pause and Resume when pausing is
	// disabled.
	ErrNotPausable = errors.New("executor cannot be paused")
)

// Executor runs a run's configured command once, in its own process
// group, and tracks its phase.
type Executor struct {
	command  []string
	dir      string
	pausable bool
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	process  *exec.Cmd
	phase    run.Phase
	state    *os.ProcessState
	started  time.Time
	finished time.Time
	done     chan struct{}
}

// NewExecutor prepares command to run in dir. Nothing starts until
// Start.
func NewExecutor(command []string, dir string, pausable bool, clk clock.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		command:  command,
		dir:      dir,
		pausable: pausable,
		clock:    clk,
		logger:   logger,
		phase:    run.PhaseIdle,
		done:     make(chan struct{}),
	}
}

// Start launches the command with env appended to the worker's own
// environment.
func (e *Executor) Start(env []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != run.PhaseIdle {
		return ErrAlreadyStarted
	}
	if len(e.command) == 0 {
		return errors.New("no executor command configured")
	}

	process := exec.Command(e.command[0], e.command[1:]...)
	process.Dir = e.dir
	process.Env = append(os.Environ(), env...)
	process.Stdout = os.Stderr
	process.Stderr = os.Stderr
	// The executor dies with the worker even when the worker is
	// killed outright.
	process.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	if err := process.Start(); err != nil {
		return fmt.Errorf("starting executor %s: %w", e.command[0], err)
	}

	e.process = process
	e.phase = run.PhaseRunning
	e.started = e.clock.Now()
	e.logger.Info("executor started", "pid", process.Process.Pid, "command", e.command[0])

	go e.reap(process)
	return nil
}

func (e *Executor) reap(process *exec.Cmd) {
	err := process.Wait()
	var exitError *exec.ExitError
	if err != nil && !errors.As(err, &exitError) {
		e.logger.Error("waiting for executor", "error", err)
	}

	e.mu.Lock()
	e.state = process.ProcessState
	e.phase = run.PhaseCompleted
	e.finished = e.clock.Now()
	e.mu.Unlock()

	e.logger.Info("executor exited", "pid", process.Process.Pid, "status", process.ProcessState.ExitCode())
	close(e.done)
}

// signalGroup delivers sig to the executor's process group.
func (e *Executor) signalGroup(sig unix.Signal) error {
	if err := unix.Kill(-e.process.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling executor group: %w", err)
	}
	return nil
}

// Pause stops the executor's process group with SIGSTOP.
func (e *Executor) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pausable {
		return ErrNotPausable
	}
	switch e.phase {
	case run.PhasePaused:
		return nil
	case run.PhaseRunning:
	default:
		return ErrNotRunning
	}
	if err := e.signalGroup(unix.SIGSTOP); err != nil {
		return err
	}
	e.phase = run.PhasePaused
	return nil
}

// Resume continues a paused executor with SIGCONT.
func (e *Executor) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pausable {
		return ErrNotPausable
	}
	switch e.phase {
	case run.PhaseRunning:
		return nil
	case run.PhasePaused:
	default:
		return ErrNotRunning
	}
	if err := e.signalGroup(unix.SIGCONT); err != nil {
		return err
	}
	e.phase = run.PhaseRunning
	return nil
}

// Status reports the current phase and, once completed, the exit code.
func (e *Executor) Status() run.WorkerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := run.WorkerStatus{Phase: e.phase}
	if e.phase == run.PhaseCompleted {
		status.ExitCode = exitCode(e.state)
	}
	return status
}

// Done is closed once the executor has been reaped. It never closes
// for an executor that was not started.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Result returns the reaped process state and the start and finish
// times. Valid after Done.
func (e *Executor) Result() (*os.ProcessState, time.Time, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.started, e.finished
}

// Terminate sends SIGTERM (and SIGCONT, in case the group is stopped)
// and escalates to SIGKILL if the executor outlives grace. It returns
// when the executor is gone or ctx ends.
func (e *Executor) Terminate(ctx context.Context, grace time.Duration) error {
	e.mu.Lock()
	if e.process == nil || e.phase == run.PhaseCompleted {
		e.mu.Unlock()
		return nil
	}
	if err := e.signalGroup(unix.SIGTERM); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.phase == run.PhasePaused {
		e.signalGroup(unix.SIGCONT)
	}
	e.mu.Unlock()

	timer := e.clock.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	e.logger.Warn("executor ignored SIGTERM, killing", "grace", grace)
	e.mu.Lock()
	err := e.signalGroup(unix.SIGKILL)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitCode maps a process state to a shell-style status: signal
// deaths become 128+signal.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}
