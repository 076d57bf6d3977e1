// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash digests the runhost binaries a coordinator launches.
//
// The coordinator records the BLAKE3 digest of the broker, worker and
// escalator executables when it starts, so a run's log can be tied to
// the exact build that served it even after the files on disk have
// been replaced.
package binhash
