// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator is the run API served by runhost-coordinator.
//
// [Service] binds the run store, admission policy and supervisor to
// remote actions on the coordinator's unix socket: run.*, quota.*,
// usage.list, host.status, and file.* / dir.* actions that forward to
// the run's worker. A second socket, the callback, takes usage.record
// pushes from workers.
//
// Callers are identified by SO_PEERCRED. An ordinary caller acts as its
// own unix account. Operators (root and the coordinator's own account
// unless configured otherwise) may name the principal they act for,
// which is how a front-end forwards its users, and may update quotas.
package coordinator
