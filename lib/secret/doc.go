// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds passwords and key material outside the Go heap.
//
// [Buffer] memory comes from mmap(MAP_ANONYMOUS), is mlocked against
// swap and marked MADV_DONTDUMP, and is zeroed on Close. The garbage
// collector never sees it, so it is never copied or relocated.
//
// runhost keeps two kinds of secret here: the escalation password read
// by [ReadFirstLine] in runhost-escalator, and decrypted security
// contexts handed to a worker at start. Neither is ever logged.
package secret
