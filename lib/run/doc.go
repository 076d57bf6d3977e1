// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package run holds the run model and the supervisor that drives runs
// through their lifecycle:
//
//	Initialized → Operating ⇄ Stopped → Finished → Destroyed
//
// Any state but Destroyed may be destroyed. Initialized may also go
// straight to Finished when the worker cannot be started.
//
// The [Supervisor] launches a run's worker on the first operation that
// needs one, through a [launch.Launcher], under the local account the
// [identity.Mapper] assigns to the run's owner. The worker binds itself
// in the remote-object directory under a fresh correlation token; the
// supervisor polls that directory and pings what it finds until the
// worker answers or the startup budget runs out. A worker that never
// answers leaves its run Finished with a [StartupFailed] [Failure], and
// its process gets SIGTERM, a grace period, then SIGKILL.
//
// Entering Operating takes a slot from the operating-limit gate,
// blocking until one is free; leaving it returns the slot. Each run has
// a single transition lock, so concurrent operations on one run queue
// behind each other while operations on different runs proceed in
// parallel. Destroy cancels whatever the run is waiting on before it
// queues, so a run stuck in startup or waiting for a slot can always
// be destroyed promptly.
//
// Lifecycle errors (startup failure, a lost worker, an expired
// deadline) are recorded on the run as a [Failure] for its owner to
// inspect; they are never returned past the supervisor except as
// [ErrStartupFailed] from the call that attempted the start.
package run
