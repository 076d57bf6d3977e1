// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filesurface

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage is matched by every *IOError: the underlying
	// filesystem operation failed.
	ErrStorage = errors.New("storage failure")

	// ErrNotImplemented is returned by CopyFrom when the source lives
	// on a different host.
	ErrNotImplemented = errors.New("not implemented")

	// ErrDeleted is returned by operations on a node after Delete.
	ErrDeleted = errors.New("node has been deleted")

	// ErrInvalidRange is returned for negative read offsets.
	ErrInvalidRange = errors.New("invalid read range")
)

// IOError wraps a failed filesystem operation on one node.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrStorage }
