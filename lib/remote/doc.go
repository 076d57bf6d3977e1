// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote is runhost's call/response transport between the
// coordinator, the broker's directory, and workers.
//
// Each connection carries exactly one CBOR request and one CBOR
// response. A request is a map with an "action" field naming the
// handler, a "namespace" field that must match the serving endpoint's
// handle, and handler-specific fields. The response envelope carries
// ok, a machine-readable [Code] on failure, and optional data.
//
// Callers distinguish three outcomes: success, a remote failure
// ([*Error], with a Code), and a transport failure
// ([*TransportError]) where no response arrived at all. Startup
// polling and the run monitor retry transport failures; remote
// failures are final.
package remote
