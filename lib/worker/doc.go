// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the body of runhost-worker and the coordinator's
// client for it.
//
// A worker is launched for one run under the run owner's mapped
// account. It creates the run's working directory, listens on a tcp
// port, and binds its handle in the host directory under the
// correlation token it was launched with. The supervisor finds it there
// and drives it through the worker.* actions; the same endpoint serves
// the run's file surface.
//
// When start arrives the worker runs the configured executor in its own
// process group. On exit it pushes a usage record to the coordinator's
// callback and reports the completed phase, but keeps serving files
// until it is destroyed or terminated.
package worker
