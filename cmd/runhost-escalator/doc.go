// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runhost-escalator is the coordinator's privileged helper. It reads
// "<account> <token>" lines on stdin and starts one worker per line
// through sudo as the named account, writing the sudo password to each
// child's stdin.
//
// Usage:
//
//	runhost-escalator [-sudo path] -- worker-program [worker-args...]
//
// The password file is named by RUNHOST_ESCALATION_PASSWORD_FILE and
// never appears in argv. RUNHOST_ESCALATION_BOOTSTRAP, when set, is
// written to each child's stdin after the password for the worker to
// read. Exit status is 0 at end of input, 2 for bad
// arguments, 3 when the password file is not configured, and 4 when
// it cannot be read or is empty.
package main
