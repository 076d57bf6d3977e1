// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed protects run security contexts at rest.
//
// A security context is the credential map a principal supplies when
// creating a run. The coordinator seals it with age to an x25519 key
// generated at startup and never written to disk, keeps only the
// ciphertext on the run, and opens it into a [secret.Buffer] for the
// moment it is handed to the worker. A coordinator restart therefore
// makes every outstanding context unreadable, which matches the
// in-memory run store.
//
// Plaintext and private keys live in [secret.Buffer] values (mmap
// memory, locked against swap, zeroed on Close).
package sealed
