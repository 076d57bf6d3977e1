// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package usage carries the resource-usage records a worker reports
// when its executor finishes, and the sinks that keep them.
//
// A record travels as CBOR from the worker to the coordinator's
// usage.record callback, which hands the encoded bytes to a [Sink]
// unchanged. [SQLiteSink] journals them on local disk; [MemorySink]
// keeps them in memory for tests and single-shot tools.
package usage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/runhost/runhost/lib/codec"
)

// ErrMalformed is returned by sinks for bytes that do not decode as a
// Record.
var ErrMalformed = errors.New("malformed usage record")

// Record is the accounting for one run's executor.
type Record struct {
	JobID    string `cbor:"job_id"`
	Owner    string `cbor:"owner"`
	Workflow string `cbor:"workflow,omitempty"`
	Host     string `cbor:"host,omitempty"`

	ExitCode int `cbor:"exit_code"`

	UserCPU   time.Duration `cbor:"user_cpu"`
	SystemCPU time.Duration `cbor:"system_cpu"`

	// MaxRSS is the peak resident set size in bytes.
	MaxRSS int64 `cbor:"max_rss"`

	Started  time.Time `cbor:"started"`
	Finished time.Time `cbor:"finished"`
}

// Validate checks the fields a sink indexes on.
func (r Record) Validate() error {
	var errs []error
	if r.JobID == "" {
		errs = append(errs, errors.New("job_id is required"))
	}
	if r.Owner == "" {
		errs = append(errs, errors.New("owner is required"))
	}
	if r.Finished.IsZero() {
		errs = append(errs, errors.New("finished is required"))
	}
	if !r.Started.IsZero() && r.Finished.Before(r.Started) {
		errs = append(errs, errors.New("finished precedes started"))
	}
	return errors.Join(errs...)
}

// Wall returns the elapsed time between Started and Finished.
func (r Record) Wall() time.Duration {
	if r.Started.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Encode marshals r for transport.
func Encode(r Record) ([]byte, error) {
	data, err := codec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding usage record: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates an encoded record.
func Decode(data []byte) (Record, error) {
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := record.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return record, nil
}

// FromProcessState fills the resource fields of r from a reaped
// process. MaxRSS is only available where the kernel reports rusage.
func FromProcessState(r Record, state *os.ProcessState) Record {
	if state == nil {
		return r
	}
	r.ExitCode = state.ExitCode()
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		r.ExitCode = 128 + int(status.Signal())
	}
	r.UserCPU = state.UserTime()
	r.SystemCPU = state.SystemTime()
	if rusage, ok := state.SysUsage().(*syscall.Rusage); ok && rusage != nil {
		// Linux reports kilobytes.
		r.MaxRSS = int64(rusage.Maxrss) * 1024
	}
	return r
}

// Sink accepts encoded records.
type Sink interface {
	Accept(ctx context.Context, encoded []byte) error
}
