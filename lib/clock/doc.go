// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components hold a Clock field instead of calling the time package
// directly. Real() delegates to the time package. Fake() returns a
// clock that only moves when a test calls Advance, so timeout and
// polling behavior can be exercised without sleeping:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go supervisor.Start(ctx, runID)
//	fake.WaitForTimers(1)       // the poll loop has armed its timer
//	fake.Advance(time.Second)   // fire it deterministically
package clock
