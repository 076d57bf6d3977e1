// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOrphaned is returned by DieWithParent when the parent had already
// exited.
var ErrOrphaned = errors.New("parent process exited during startup")

// DieWithParent asks the kernel to SIGKILL this process when its
// parent exits. A worker started through sudo calls it first thing:
// sudo does not relay SIGKILL, so without it killing sudo would leave
// the worker running.
func DieWithParent() error {
	parent := os.Getppid()
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("setting parent death signal: %w", err)
	}
	if os.Getppid() != parent {
		return ErrOrphaned
	}
	return nil
}
