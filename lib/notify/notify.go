// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers run lifecycle events to interested parties.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	RunStarted  Kind = "run.started"
	RunFinished Kind = "run.finished"
)

// Event describes one lifecycle event.
type Event struct {
	Kind     Kind      `cbor:"kind"`
	RunID    string    `cbor:"run_id"`
	Owner    string    `cbor:"owner"`
	Workflow string    `cbor:"workflow"`
	At       time.Time `cbor:"at"`

	// ExitCode is set on RunFinished when the worker reported
	// completion.
	ExitCode *int `cbor:"exit_code,omitempty"`

	// Failure is set on RunFinished when the run ended abnormally.
	Failure string `cbor:"failure,omitempty"`
}

// Dispatcher receives events. Dispatch must not block for long: it is
// called from the supervisor's transition path.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Log writes every event to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (d Log) Dispatch(ctx context.Context, event Event) error {
	attrs := []any{
		"kind", string(event.Kind),
		"run_id", event.RunID,
		"owner", event.Owner,
		"workflow", event.Workflow,
		"at", event.At,
	}
	if event.ExitCode != nil {
		attrs = append(attrs, "exit_code", *event.ExitCode)
	}
	if event.Failure != "" {
		attrs = append(attrs, "failure", event.Failure)
	}
	d.Logger.InfoContext(ctx, "run event", attrs...)
	return nil
}

// Multi fans an event out to several dispatchers. Every dispatcher is
// called; their errors are joined.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, event Event) error {
	var errs []error
	for _, dispatcher := range m {
		if err := dispatcher.Dispatch(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Dispatch(context.Context, Event) error { return nil }
