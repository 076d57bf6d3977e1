// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runhost-broker hosts the remote-object directory workers register
// in.
//
// Usage:
//
//	runhost-broker [port] [localhostOnly]
//
// On success the broker writes exactly one CBOR-encoded handle to
// stdout and serves until stdin closes or it receives SIGTERM.
// Diagnostics go to stderr. Exit status is 2 for argument errors and 1
// when the directory cannot be created.
package main
