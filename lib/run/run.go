// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/launch"
)

var (
	// ErrDestroyed is returned by every operation on a destroyed run.
	ErrDestroyed = errors.New("run has been destroyed")

	// ErrInvalidTransition is returned when an operation does not
	// apply to the run's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnsupported is returned when the worker cannot pause or
	// resume. The run's state is unchanged.
	ErrUnsupported = errors.New("operation not supported by worker")

	// ErrStartupFailed is returned when the worker could not be
	// brought up. The run is Finished with a StartupFailed failure.
	ErrStartupFailed = errors.New("worker startup failed")

	// ErrWorkerGone is returned when an operation needs a worker that
	// has already exited.
	ErrWorkerGone = errors.New("worker is no longer running")
)

// FailureKind classifies why a run ended abnormally.
type FailureKind string

const (
	StartupFailed FailureKind = "startup_failed"
	WorkerLost    FailureKind = "worker_lost"
	Expired       FailureKind = "expired"
)

// Failure is a lifecycle error recorded on a run for its owner to see.
type Failure struct {
	Kind    FailureKind `cbor:"kind"`
	Message string      `cbor:"message"`
	At      time.Time   `cbor:"at"`
}

func (f *Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// WorkerHandle identifies a run's worker. It is never reused: once
// Live is false a new worker is never attached to the same run.
type WorkerHandle struct {
	PID      int           `cbor:"pid"`
	Endpoint handle.Handle `cbor:"endpoint"`
	// UID is the account that must be serving Endpoint.
	UID   int    `cbor:"uid"`
	Token string `cbor:"token"`
	Live  bool   `cbor:"live"`
}

// Run is one workflow run. Exported identity fields are fixed at
// creation; everything else is read through methods and changed only
// by the Supervisor.
type Run struct {
	ID       string
	Owner    string
	Workflow string
	Created  time.Time

	sealed []byte

	// life is cancelled by Destroy, aborting in-flight and queued
	// operations.
	life    context.Context
	endLife context.CancelFunc

	// opLock serializes transitions. It is a channel so waiters can
	// give up when their context ends.
	opLock chan struct{}

	// Guarded by opLock.
	process launch.Process
	client  WorkerClient
	slot    bool
	monitor chan struct{}

	mu       sync.Mutex
	expiry   time.Time
	state    State
	history  []State
	worker   *WorkerHandle
	failure  *Failure
	exitCode *int
	usage    [][]byte
}

// New returns an Initialized run. sealed is the run's security
// context, already encrypted; it may be nil.
func New(id, owner, workflow string, created, expiry time.Time, sealed []byte) *Run {
	life, endLife := context.WithCancel(context.Background())
	return &Run{
		ID:       id,
		Owner:    owner,
		Workflow: workflow,
		Created:  created,
		sealed:   sealed,
		life:     life,
		endLife:  endLife,
		opLock:   make(chan struct{}, 1),
		expiry:   expiry,
		state:    Initialized,
		history:  []State{Initialized},
	}
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns every state the run has been in, oldest first.
func (r *Run) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// Expiry returns the run's lifetime deadline.
func (r *Run) Expiry() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiry
}

// SetExpiry moves the lifetime deadline. Destroyed runs are refused.
func (r *Run) SetExpiry(expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Destroyed {
		return ErrDestroyed
	}
	r.expiry = expiry
	return nil
}

// Expired reports whether the run's deadline has passed at now and it
// has not been destroyed.
func (r *Run) Expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != Destroyed && !now.Before(r.expiry)
}

// Worker returns a copy of the worker handle, or nil.
func (r *Run) Worker() *WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker == nil {
		return nil
	}
	copied := *r.worker
	return &copied
}

// Failure returns the recorded lifecycle failure, or nil.
func (r *Run) Failure() *Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		return nil
	}
	copied := *r.failure
	return &copied
}

// ExitCode returns the worker-reported exit code once Finished by
// completion.
func (r *Run) ExitCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exitCode == nil {
		return 0, false
	}
	return *r.exitCode, true
}

// SecurityContext returns the sealed security context.
func (r *Run) SecurityContext() []byte { return r.sealed }

// AddUsage appends an encoded usage record.
func (r *Run) AddUsage(record []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, slices.Clone(record))
}

// Usage returns the encoded usage records received so far.
func (r *Run) Usage() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.usage)
}

// Snapshot is a point-in-time copy of a run for API responses.
type Snapshot struct {
	ID           string        `cbor:"id"`
	Owner        string        `cbor:"owner"`
	Workflow     string        `cbor:"workflow"`
	Created      time.Time     `cbor:"created"`
	Expiry       time.Time     `cbor:"expiry"`
	State        State         `cbor:"state"`
	Worker       *WorkerHandle `cbor:"worker,omitempty"`
	Failure      *Failure      `cbor:"failure,omitempty"`
	ExitCode     *int          `cbor:"exit_code,omitempty"`
	UsageRecords int           `cbor:"usage_records"`
}

// Snapshot copies the run's current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := Snapshot{
		ID:           r.ID,
		Owner:        r.Owner,
		Workflow:     r.Workflow,
		Created:      r.Created,
		Expiry:       r.expiry,
		State:        r.state,
		UsageRecords: len(r.usage),
	}
	if r.worker != nil {
		worker := *r.worker
		snapshot.Worker = &worker
	}
	if r.failure != nil {
		failure := *r.failure
		snapshot.Failure = &failure
	}
	if r.exitCode != nil {
		code := *r.exitCode
		snapshot.ExitCode = &code
	}
	return snapshot
}

// setState moves the run to next, enforcing CanTransition.
func (r *Run) setState(next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStateLocked(next)
}

func (r *Run) setStateLocked(next State) error {
	if r.state == Destroyed {
		return ErrDestroyed
	}
	if !r.state.CanTransition(next) {
		return fmt.Errorf("%s to %s: %w", r.state, next, ErrInvalidTransition)
	}
	r.state = next
	r.history = append(r.history, next)
	return nil
}

// finish moves the run to Finished, recording failure or exitCode.
func (r *Run) finish(failure *Failure, exitCode *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.setStateLocked(Finished); err != nil {
		return err
	}
	r.failure = failure
	r.exitCode = exitCode
	return nil
}

func (r *Run) setWorker(worker *WorkerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.worker = worker
}

func (r *Run) markWorkerDead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker != nil {
		r.worker.Live = false
	}
}
