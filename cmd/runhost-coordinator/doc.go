// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runhost-coordinator owns every run on the host. It starts the
// directory broker and, in sudo mode, the escalator, then serves the
// run API and the workers' usage callback on unix sockets until it is
// signalled. Runs still alive at shutdown are destroyed.
//
// Callers are identified by the peer credentials of their connection.
package main
