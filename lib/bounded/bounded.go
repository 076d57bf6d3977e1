// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bounded runs units of work under a hard deadline.
//
// [Run] starts the action on its own goroutine and returns as soon as
// the action finishes, the deadline passes, or the caller's context is
// cancelled. On timeout the action's context is cancelled so it can
// stop at its next safe point; it is never forcibly killed, and
// whatever it returns afterwards is discarded. [Poll] builds the
// fixed-interval readiness loop used during worker startup on top of
// Run.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/clock"
)

// ErrTimedOut is returned when the deadline passes before the action
// completes.
var ErrTimedOut = errors.New("timed out")

// Run executes action with a deadline of timeout measured on clk. It
// returns nil, the action's own error, ErrTimedOut, or ctx.Err() if
// the caller gave up first.
func Run(ctx context.Context, clk clock.Clock, timeout time.Duration, action func(context.Context) error) error {
	actionContext, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- action(actionContext)
	}()

	deadline := clk.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case err := <-result:
		return err
	case <-deadline.C:
		return ErrTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollError reports a poll that ran out of time. LastErr is the most
// recent probe failure, if any probe failed rather than answering
// "not ready".
type PollError struct {
	Waited   time.Duration
	Attempts int
	LastErr  error
}

func (e *PollError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("not ready after %v (%d attempts): %v", e.Waited, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("not ready after %v (%d attempts)", e.Waited, e.Attempts)
}

func (e *PollError) Unwrap() []error {
	if e.LastErr != nil {
		return []error{ErrTimedOut, e.LastErr}
	}
	return []error{ErrTimedOut}
}

// Poll calls probe immediately and then every interval until it
// reports ready, the timeout elapses, or ctx is cancelled. Probe
// errors count as "not ready yet" and are retried; the last one is
// kept in the *PollError returned on timeout.
func Poll(ctx context.Context, clk clock.Clock, interval, timeout time.Duration, probe func(context.Context) (bool, error)) error {
	var (
		mu       sync.Mutex
		attempts int
		lastErr  error
	)

	err := Run(ctx, clk, timeout, func(ctx context.Context) error {
		for {
			ready, err := probe(ctx)
			mu.Lock()
			attempts++
			if err != nil {
				lastErr = err
			}
			mu.Unlock()
			if ready && err == nil {
				return nil
			}

			wait := clk.NewTimer(interval)
			select {
			case <-ctx.Done():
				wait.Stop()
				return ctx.Err()
			case <-wait.C:
			}
		}
	})
	if errors.Is(err, ErrTimedOut) {
		mu.Lock()
		defer mu.Unlock()
		return &PollError{Waited: timeout, Attempts: attempts, LastErr: lastErr}
	}
	return err
}
