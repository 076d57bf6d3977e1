// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filesurface exposes a run's working directory as a tree of
// file and directory nodes.
//
// Nodes are created lazily and their paths are validated once, when
// the node is created, by [pathguard]. Each node serializes its own
// operations; a directory's lock is never held while taking a lock on
// its parent. Reads are capped at [MaxReadLength] bytes so that large
// files are transferred in pieces, each piece carried as a
// [chunk.Frame] with a digest the receiver verifies.
//
// Workers serve a [Tree] with [Register]. The coordinator and other
// workers reach it through [RemoteFile] and [RemoteDirectory], which
// map wire error codes back onto the same sentinels the local nodes
// return, so errors.Is works identically on both sides.
package filesurface
