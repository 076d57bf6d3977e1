// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree runhostctl is built from: nested
// [Command] values dispatched by name, pflag flag sets parsed lazily,
// typo suggestions for unknown commands and flags, and JSON output.
package cli
