// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"net"

	"golang.org/x/sys/unix"
)

// Peer is the kernel-reported identity of the process on the other
// end of a unix socket connection.
type Peer struct {
	PID int
	UID int
	GID int
}

type peerKey struct{}

// PeerFromContext returns the caller of the action being handled.
// Only requests arriving on unix sockets carry one.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	peer, ok := ctx.Value(peerKey{}).(Peer)
	return peer, ok
}

// WithPeer attaches peer to ctx, as the server does for unix
// connections.
func WithPeer(ctx context.Context, peer Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}

// peerOf reads SO_PEERCRED from a unix connection.
func peerOf(conn net.Conn) (Peer, bool) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return Peer{}, false
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return Peer{}, false
	}
	var credentials *unix.Ucred
	var credentialsErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credentialsErr != nil {
		return Peer{}, false
	}
	return Peer{PID: int(credentials.Pid), UID: int(credentials.Uid), GID: int(credentials.Gid)}, true
}
