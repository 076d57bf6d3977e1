// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides runhost's shared CBOR configuration.
//
// Every internal protocol uses CBOR: coordinator and worker remote
// calls, the broker's handle on stdout, usage records, and the sealed
// security context envelope. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2), so the same logical value always produces
// the same bytes. Usage records depend on that: the journal stores the
// encoded record verbatim.
//
// Buffer-oriented:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream-oriented (sockets, pipes):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Text-safe (argv):
//
//	text, err := codec.MarshalText(handle)
//
// Types that are only ever CBOR use `cbor` struct tags. Types that are
// also printed as JSON by runhostctl use `json` tags, which the CBOR
// library falls back to. Never put both on one field.
package codec
