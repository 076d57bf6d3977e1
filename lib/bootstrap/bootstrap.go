// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap carries what a worker needs before it can reach
// anything else. It travels as one line on the worker's standard
// input, written by whoever launched it, so none of it appears in the
// process table.
//
// Under sudo the same stream first carries the escalation password.
// Sudo normally consumes that line; when it does not (cached or
// passwordless credentials), [Read] skips it and wipes it from its
// buffer.
package bootstrap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/runhost/runhost/lib/codec"
	"github.com/runhost/runhost/lib/handle"
)

// marker starts the bootstrap line.
const marker = "runhost-bootstrap "

// ErrMissing is returned when input ends without a bootstrap line.
var ErrMissing = errors.New("no bootstrap line on standard input")

// Worker is a worker's bootstrap.
type Worker struct {
	// Directory is the broker the worker publishes itself in.
	Directory handle.Handle `cbor:"directory"`

	// CoordinatorUID may call the worker in addition to the worker's
	// own account.
	CoordinatorUID int `cbor:"coordinator_uid"`
}

// Line returns the wire form of w, without the trailing newline. It
// contains no whitespace besides the marker's.
func (w Worker) Line() (string, error) {
	text, err := codec.MarshalText(w)
	if err != nil {
		return "", fmt.Errorf("encoding bootstrap: %w", err)
	}
	return marker + text, nil
}

// Read scans r for the bootstrap line. Other lines are discarded and
// zeroed in place.
func Read(r io.Reader) (Worker, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		text, found := bytes.CutPrefix(line, []byte(marker))
		if !found {
			clear(line)
			continue
		}
		var w Worker
		if err := codec.UnmarshalText(string(text), &w); err != nil {
			return Worker{}, fmt.Errorf("decoding bootstrap: %w", err)
		}
		if err := w.Directory.Validate(); err != nil {
			return Worker{}, fmt.Errorf("bootstrap directory: %w", err)
		}
		return w, nil
	}
	if err := scanner.Err(); err != nil {
		return Worker{}, fmt.Errorf("reading bootstrap: %w", err)
	}
	return Worker{}, ErrMissing
}
