// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/bounded"
	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/directory"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/identity"
	"github.com/runhost/runhost/lib/launch"
	"github.com/runhost/runhost/lib/notify"
	"github.com/runhost/runhost/lib/secret"
)

// Unsealer opens a run's sealed security context.
type Unsealer interface {
	Unseal(ciphertext []byte) (*secret.Buffer, error)
}

// Timing bounds the supervisor's blocking points. Zero fields take
// the defaults noted on each.
type Timing struct {
	// StartupInterval is the pause between readiness probes of a
	// launching worker. Default 500ms.
	StartupInterval time.Duration
	// StartupTimeout bounds the whole readiness wait. Default 30s.
	StartupTimeout time.Duration
	// GracePeriod is how long a worker has to exit after SIGTERM, and
	// again after SIGKILL. Default 10s.
	GracePeriod time.Duration
	// MonitorInterval is the status probe period of a live worker.
	// Default 5s.
	MonitorInterval time.Duration
	// ProbeFailures is how many consecutive failed status probes are
	// tolerated before the worker is declared lost. Default 3.
	ProbeFailures int
	// CallTimeout bounds each control call to a worker. Default 10s.
	CallTimeout time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.StartupInterval <= 0 {
		t.StartupInterval = 500 * time.Millisecond
	}
	if t.StartupTimeout <= 0 {
		t.StartupTimeout = 30 * time.Second
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = 10 * time.Second
	}
	if t.MonitorInterval <= 0 {
		t.MonitorInterval = 5 * time.Second
	}
	if t.ProbeFailures <= 0 {
		t.ProbeFailures = 3
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = 10 * time.Second
	}
	return t
}

// SupervisorConfig holds a Supervisor's collaborators.
type SupervisorConfig struct {
	Launcher  launch.Launcher
	Directory Directory
	Dial      DialFunc
	Gate      *admission.Gate
	Identity  identity.Mapper

	// Unsealer is required only for runs with a security context.
	Unsealer Unsealer

	// Notifier defaults to notify.Discard.
	Notifier notify.Dispatcher

	// Callback is the coordinator endpoint workers push usage records
	// to.
	Callback handle.Handle

	Timing Timing
	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor drives runs through their lifecycle. It holds no run
// registry: callers pass the *Run each operation applies to.
// Operations on one run are serialized; operations on different runs
// proceed concurrently.
type Supervisor struct {
	launcher  launch.Launcher
	directory Directory
	dial      DialFunc
	gate      *admission.Gate
	identity  identity.Mapper
	unsealer  Unsealer
	notifier  notify.Dispatcher
	callback  handle.Handle
	timing    Timing
	clock     clock.Clock
	logger    *slog.Logger
}

// NewSupervisor validates config and returns a Supervisor.
func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	var missing []error
	if config.Launcher == nil {
		missing = append(missing, errors.New("launcher is required"))
	}
	if config.Directory == nil {
		missing = append(missing, errors.New("directory is required"))
	}
	if config.Dial == nil {
		missing = append(missing, errors.New("dial function is required"))
	}
	if config.Gate == nil {
		missing = append(missing, errors.New("operating gate is required"))
	}
	if config.Identity == nil {
		missing = append(missing, errors.New("identity mapper is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	if config.Notifier == nil {
		config.Notifier = notify.Discard{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		launcher:  config.Launcher,
		directory: config.Directory,
		dial:      config.Dial,
		gate:      config.Gate,
		identity:  config.Identity,
		unsealer:  config.Unsealer,
		notifier:  config.Notifier,
		callback:  config.Callback,
		timing:    config.Timing.withDefaults(),
		clock:     config.Clock,
		logger:    config.Logger,
	}, nil
}

// begin takes r's transition lock. The returned context ends when ctx
// does or when the run is destroyed; end releases the lock.
func (s *Supervisor) begin(ctx context.Context, r *Run) (context.Context, func(), error) {
	operation, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.life, cancel)
	release := func() {
		stop()
		cancel()
	}

	select {
	case r.opLock <- struct{}{}:
	case <-operation.Done():
		release()
		return nil, nil, abortError(ctx, r)
	}
	if r.life.Err() != nil {
		<-r.opLock
		release()
		return nil, nil, ErrDestroyed
	}
	return operation, func() {
		release()
		<-r.opLock
	}, nil
}

// abortError names why an operation stopped early.
func abortError(ctx context.Context, r *Run) error {
	if r.life.Err() != nil {
		return ErrDestroyed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// requireState fails unless r is in one of allowed.
func requireState(r *Run, operation string, allowed ...State) error {
	state := r.State()
	if state == Destroyed {
		return ErrDestroyed
	}
	for _, candidate := range allowed {
		if state == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s a %s run: %w", operation, state, ErrInvalidTransition)
}

// call runs one worker control call under CallTimeout.
func (s *Supervisor) call(ctx context.Context, action func(context.Context) error) error {
	return bounded.Run(ctx, s.clock, s.timing.CallTimeout, action)
}

// EnsureWorker launches r's worker if it has none and waits until it
// answers. It is the first step of Start and of any file access.
func (s *Supervisor) EnsureWorker(ctx context.Context, r *Run) (*WorkerHandle, error) {
	operation, end, err := s.begin(ctx, r)
	if err != nil {
		return nil, err
	}
	defer end()
	if err := s.ensureWorkerLocked(operation, r); err != nil {
		return nil, err
	}
	return r.Worker(), nil
}

func (s *Supervisor) ensureWorkerLocked(ctx context.Context, r *Run) error {
	state := r.State()
	if state == Destroyed {
		return ErrDestroyed
	}
	if r.client != nil {
		if worker := r.Worker(); worker != nil && worker.Live {
			return nil
		}
		return ErrWorkerGone
	}
	if state != Initialized {
		return fmt.Errorf("%s run has no worker: %w", state, ErrWorkerGone)
	}

	logger := s.logger.With("run_id", r.ID, "principal", r.Owner)

	account, err := s.identity.Account(ctx, r.Owner)
	if err != nil {
		reason := fmt.Sprintf("mapping principal to a local account: %v", err)
		s.failStartup(r, reason)
		return fmt.Errorf("%w: %s", ErrStartupFailed, reason)
	}

	token := uuid.NewString()
	process, err := s.launcher.Launch(ctx, account, token)
	if err != nil {
		if ctx.Err() != nil {
			return abortError(ctx, r)
		}
		reason := fmt.Sprintf("launching worker as %s: %v", account, err)
		s.failStartup(r, reason)
		return fmt.Errorf("%w: %s", ErrStartupFailed, reason)
	}
	r.process = process
	logger.Info("worker launched", "account", account, "pid", process.PID(), "token", token)

	endpoint, client, err := s.awaitWorker(ctx, process, token)
	if err != nil {
		if ctx.Err() != nil {
			s.terminateLocked(r)
			r.process = nil
			return abortError(ctx, r)
		}
		reason := err.Error()
		select {
		case <-process.Exited():
			reason = fmt.Sprintf("worker exited with status %d during startup", process.ExitCode())
		default:
		}
		s.failStartup(r, reason)
		return fmt.Errorf("%w: %s", ErrStartupFailed, reason)
	}

	r.client = client
	r.setWorker(&WorkerHandle{PID: process.PID(), Endpoint: endpoint, UID: process.UID(), Token: token, Live: true})
	s.startMonitor(r, process, client)
	logger.Info("worker ready", "pid", process.PID(), "endpoint", endpoint.String())
	return nil
}

// awaitWorker polls the directory for token and pings what it finds,
// until the worker answers, the process exits, or StartupTimeout.
func (s *Supervisor) awaitWorker(ctx context.Context, process launch.Process, token string) (handle.Handle, WorkerClient, error) {
	pollContext, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-process.Exited():
			cancel()
		case <-pollContext.Done():
		}
	}()

	type found struct {
		endpoint handle.Handle
		client   WorkerClient
	}
	result := make(chan found, 1)
	err := bounded.Poll(pollContext, s.clock, s.timing.StartupInterval, s.timing.StartupTimeout,
		func(ctx context.Context) (bool, error) {
			endpoint, err := s.directory.Lookup(ctx, token)
			if errors.Is(err, directory.ErrNotBound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			// Whoever answers must be the launched account; an
			// impostor bound under the token never sees a request.
			client := s.dial(endpoint, process.UID())
			if err := client.Ping(ctx); err != nil {
				return false, err
			}
			result <- found{endpoint: endpoint, client: client}
			return true, nil
		})
	if err != nil {
		return handle.Handle{}, nil, err
	}
	ready := <-result
	return ready.endpoint, ready.client, nil
}

// failStartup tears down a half-started worker and records the failure.
// Caller holds the transition lock.
func (s *Supervisor) failStartup(r *Run, reason string) {
	s.terminateLocked(r)
	s.finishLocked(r, &Failure{Kind: StartupFailed, Message: reason, At: s.clock.Now()}, nil)
}

// Start launches r's worker if needed, waits for an operating slot and
// tells the worker to begin. Initialized → Operating.
func (s *Supervisor) Start(ctx context.Context, r *Run) error {
	operation, end, err := s.begin(ctx, r)
	if err != nil {
		return err
	}
	defer end()

	if err := requireState(r, "start", Initialized); err != nil {
		return err
	}
	if err := s.ensureWorkerLocked(operation, r); err != nil {
		return err
	}
	if err := s.gate.Acquire(operation); err != nil {
		return abortError(ctx, r)
	}

	request := StartRequest{
		RunID:    r.ID,
		Owner:    r.Owner,
		Workflow: r.Workflow,
		Deadline: r.Expiry(),
		Callback: s.callback,
	}
	if sealed := r.SecurityContext(); len(sealed) > 0 {
		if s.unsealer == nil {
			s.gate.Release()
			return errors.New("run has a security context but no unsealer is configured")
		}
		credentials, err := s.unsealer.Unseal(sealed)
		if err != nil {
			s.gate.Release()
			return fmt.Errorf("unsealing security context: %w", err)
		}
		defer credentials.Close()
		request.Credentials = credentials.Bytes()
	}

	client := r.client
	if err := s.call(operation, func(ctx context.Context) error { return client.Start(ctx, request) }); err != nil {
		s.gate.Release()
		if operation.Err() != nil {
			return abortError(ctx, r)
		}
		return fmt.Errorf("starting worker: %w", err)
	}
	r.slot = true
	if err := r.setState(Operating); err != nil {
		s.releaseSlotLocked(r)
		return err
	}
	s.logger.Info("run operating", "run_id", r.ID, "principal", r.Owner)
	s.dispatch(r, notify.RunStarted)
	return nil
}

// Stop pauses an Operating run and frees its slot. Workers that cannot
// pause return ErrUnsupported and the run keeps running.
func (s *Supervisor) Stop(ctx context.Context, r *Run) error {
	operation, end, err := s.begin(ctx, r)
	if err != nil {
		return err
	}
	defer end()

	if err := requireState(r, "stop", Operating); err != nil {
		return err
	}
	client := r.client
	if err := s.call(operation, client.Stop); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return err
		}
		return fmt.Errorf("stopping worker: %w", err)
	}
	if err := r.setState(Stopped); err != nil {
		return err
	}
	s.releaseSlotLocked(r)
	s.logger.Info("run stopped", "run_id", r.ID)
	return nil
}

// Resume waits for an operating slot and resumes a Stopped run.
func (s *Supervisor) Resume(ctx context.Context, r *Run) error {
	operation, end, err := s.begin(ctx, r)
	if err != nil {
		return err
	}
	defer end()

	if err := requireState(r, "resume", Stopped); err != nil {
		return err
	}
	if err := s.gate.Acquire(operation); err != nil {
		return abortError(ctx, r)
	}
	client := r.client
	if err := s.call(operation, client.Resume); err != nil {
		s.gate.Release()
		if errors.Is(err, ErrUnsupported) {
			return err
		}
		return fmt.Errorf("resuming worker: %w", err)
	}
	r.slot = true
	if err := r.setState(Operating); err != nil {
		s.releaseSlotLocked(r)
		return err
	}
	s.logger.Info("run resumed", "run_id", r.ID)
	return nil
}

// Complete records that r's workflow finished with exitCode. A run
// that has already finished is left alone.
func (s *Supervisor) Complete(ctx context.Context, r *Run, exitCode int) error {
	_, end, err := s.begin(ctx, r)
	if err != nil {
		return err
	}
	defer end()
	s.completeLocked(r, exitCode)
	return nil
}

func (s *Supervisor) completeLocked(r *Run, exitCode int) {
	switch r.State() {
	case Operating, Stopped, Initialized:
	default:
		return
	}
	s.releaseSlotLocked(r)
	s.finishLocked(r, nil, &exitCode)
}

// Destroy tears r down and marks it Destroyed. In-flight operations on
// r are cancelled first. Destroying a destroyed run does nothing.
func (s *Supervisor) Destroy(ctx context.Context, r *Run) error {
	r.endLife()

	select {
	case r.opLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.opLock }()

	if r.State() == Destroyed {
		return nil
	}

	if client := r.client; client != nil {
		if err := s.call(context.Background(), client.Destroy); err != nil {
			s.logger.Warn("worker destroy failed", "run_id", r.ID, "error", err)
		}
	}
	s.terminateLocked(r)
	s.releaseSlotLocked(r)
	if r.monitor != nil {
		<-r.monitor
		r.monitor = nil
	}
	r.client = nil
	r.process = nil
	if err := r.setState(Destroyed); err != nil {
		return err
	}
	s.logger.Info("run destroyed", "run_id", r.ID, "principal", r.Owner)
	return nil
}

// terminateLocked asks the worker to exit, then signals its process:
// SIGTERM, GracePeriod, SIGKILL.
func (s *Supervisor) terminateLocked(r *Run) {
	if client := r.client; client != nil {
		if err := s.call(context.Background(), client.Terminate); err != nil {
			s.logger.Debug("worker terminate request failed", "run_id", r.ID, "error", err)
		}
	}
	if process := r.process; process != nil {
		s.stopProcess(r.ID, process)
	}
	r.markWorkerDead()
}

func (s *Supervisor) stopProcess(runID string, process launch.Process) {
	select {
	case <-process.Exited():
		return
	default:
	}

	waitExit := func(ctx context.Context) error {
		select {
		case <-process.Exited():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := process.Signal(unix.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", "run_id", runID, "pid", process.PID(), "error", err)
	}
	if bounded.Run(context.Background(), s.clock, s.timing.GracePeriod, waitExit) == nil {
		return
	}

	s.logger.Warn("worker ignored SIGTERM, killing", "run_id", runID, "pid", process.PID())
	if err := process.Kill(); err != nil {
		s.logger.Debug("SIGKILL failed", "run_id", runID, "pid", process.PID(), "error", err)
	}
	if err := bounded.Run(context.Background(), s.clock, s.timing.GracePeriod, waitExit); err != nil {
		s.logger.Error("worker did not exit after SIGKILL", "run_id", runID, "pid", process.PID())
	}
}

func (s *Supervisor) releaseSlotLocked(r *Run) {
	if r.slot {
		s.gate.Release()
		r.slot = false
	}
}

// finishLocked moves r to Finished and announces it.
func (s *Supervisor) finishLocked(r *Run, failure *Failure, exitCode *int) {
	if err := r.finish(failure, exitCode); err != nil {
		s.logger.Debug("finish skipped", "run_id", r.ID, "error", err)
		return
	}
	attrs := []any{"run_id", r.ID, "principal", r.Owner}
	if failure != nil {
		attrs = append(attrs, "failure", failure.String())
		s.logger.Warn("run finished abnormally", attrs...)
	} else {
		if exitCode != nil {
			attrs = append(attrs, "exit_code", *exitCode)
		}
		s.logger.Info("run finished", attrs...)
	}
	s.dispatch(r, notify.RunFinished)
}

func (s *Supervisor) dispatch(r *Run, kind notify.Kind) {
	snapshot := r.Snapshot()
	event := notify.Event{
		Kind:     kind,
		RunID:    snapshot.ID,
		Owner:    snapshot.Owner,
		Workflow: snapshot.Workflow,
		At:       s.clock.Now(),
		ExitCode: snapshot.ExitCode,
	}
	if snapshot.Failure != nil {
		event.Failure = snapshot.Failure.String()
	}
	if err := s.notifier.Dispatch(context.Background(), event); err != nil {
		s.logger.Warn("notification failed", "run_id", r.ID, "kind", string(kind), "error", err)
	}
}
