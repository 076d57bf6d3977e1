// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission decides whether a principal may create, change, or
// destroy runs, and bounds how many runs execute at once.
//
// [Policy] answers creation and ownership questions synchronously:
// anonymous principals are refused with [ErrForbidden], and a create
// that would push either the global run count or the principal's own
// count over its limit is refused with [ErrQuotaExceeded]. The counts
// are supplied by the caller, which holds the run store's lock for the
// duration of the check so that admission and registration are one
// atomic step.
//
// The operating limit is different: it is not a rejection but
// backpressure. [Gate] hands out execution slots in strict arrival
// order; a run waiting for a slot blocks until one frees up or its
// context is cancelled.
package admission
