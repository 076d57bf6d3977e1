// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"time"

	"github.com/runhost/runhost/lib/handle"
)

// Phase is what a worker reports about its executor.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
)

// WorkerStatus answers a status probe.
type WorkerStatus struct {
	Phase Phase `cbor:"phase"`
	// ExitCode is meaningful once Phase is PhaseCompleted.
	ExitCode int `cbor:"exit_code"`
}

// StartRequest tells a worker to begin executing.
type StartRequest struct {
	RunID    string    `cbor:"run_id"`
	Owner    string    `cbor:"owner"`
	Workflow string    `cbor:"workflow"`
	Deadline time.Time `cbor:"deadline"`

	// Credentials is the unsealed security context, if any.
	Credentials []byte `cbor:"credentials,omitempty"`

	// Callback is where the worker pushes its usage record.
	Callback handle.Handle `cbor:"callback"`
}

// WorkerClient is the supervisor's view of a worker's control
// surface. Stop and Resume return ErrUnsupported when the worker
// cannot pause. Transport failures satisfy remote.IsTransport.
type WorkerClient interface {
	Ping(ctx context.Context) error
	Start(ctx context.Context, request StartRequest) error
	Stop(ctx context.Context) error
	Resume(ctx context.Context) error
	Status(ctx context.Context) (WorkerStatus, error)
	Terminate(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Directory finds workers by the token they bind themselves under.
type Directory interface {
	Lookup(ctx context.Context, name string) (handle.Handle, error)
}

// DialFunc returns a client for the worker at target. The client must
// refuse to talk to target unless it is served by uid.
type DialFunc func(target handle.Handle, uid int) WorkerClient
