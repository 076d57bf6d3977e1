// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for runhost packages.
//
// [RequireClosed] wraps the select-with-timeout safety valve so
// individual tests never call time.After directly. It is the only
// place tests use wall-clock timeouts; everything else runs on
// clock.Fake.
//
// [SocketDir] returns a short /tmp directory for Unix sockets.
// [Logger] routes slog output through t.Log, and [SyncBuffer] collects
// output written from another goroutine.
//
// All helpers call t.Fatalf on failure.
package testutil
