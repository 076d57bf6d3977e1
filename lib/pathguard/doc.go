// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathguard validates untrusted path fragments before they
// touch a run's working tree.
//
// Validation is pure: a [Guard] inspects each segment against the
// platform's rules and returns the joined native path, or an
// [*InvalidPathError] matching [ErrInvalidPath]. Callers validate once
// when a file node is created and trust the resulting path for the
// node's lifetime.
package pathguard
