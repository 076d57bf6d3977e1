// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runhostctl is the command-line client for runhost-coordinator.
//
// It creates and drives runs, moves files in and out of their working
// directories, lists usage records, inspects and changes quotas, and
// provisions the escalator's password file. The coordinator is found
// through the handle file it writes next to its socket; --handle-file
// overrides the location taken from the configuration.
package main
