// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runhost-worker serves one run. It is started by the coordinator,
// directly or through runhost-escalator, with the run's correlation
// token as its final argument:
//
//	runhost-worker -config runhost.yaml <token>
//
// The directory broker's handle and the coordinator's uid arrive as a
// bootstrap line on standard input (see package bootstrap), never in
// argv. The worker asks to be killed with its parent, creates the
// run's working directory under the configured work root, listens on
// a unix socket under paths.sockets, and publishes that endpoint in
// the directory under the token. Only its own account and the
// coordinator's are answered.
package main
