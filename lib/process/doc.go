// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers: fatal error
// reporting to stderr before the structured logger exists, and exit
// statuses that distinguish one configuration failure from another.
package process
