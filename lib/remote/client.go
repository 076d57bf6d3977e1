// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/runhost/runhost/lib/codec"
	"github.com/runhost/runhost/lib/handle"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 45 * time.Second
)

// ErrUnexpectedPeer means the endpoint is not served by the account
// the client was told to expect. Nothing is sent to it.
var ErrUnexpectedPeer = errors.New("endpoint served by an unexpected account")

// Client calls a remote Server addressed by a handle. Each Call uses
// a fresh connection.
type Client struct {
	target handle.Handle

	checkPeer bool
	peerUID   int
}

// NewClient returns a client for target.
func NewClient(target handle.Handle) *Client {
	return &Client{target: target}
}

// ExpectPeer returns a client that sends a request only after the
// kernel confirms the listening process runs as uid. Only unix
// endpoints can satisfy it.
func (c *Client) ExpectPeer(uid int) *Client {
	return &Client{target: c.target, checkPeer: true, peerUID: uid}
}

// Handle returns the handle this client addresses.
func (c *Client) Handle() handle.Handle { return c.target }

// Call sends action with fields and decodes the response data into
// result (which may be nil). Remote failures come back as *Error;
// anything that prevented a response is a *TransportError.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+2)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	request["namespace"] = c.target.Namespace

	response, err := c.send(ctx, request)
	if err != nil {
		return &TransportError{Endpoint: c.target.Endpoint(), Err: fmt.Errorf("calling %q: %w", action, err)}
	}

	if !response.OK {
		code := response.Code
		if code == "" {
			code = CodeInternal
		}
		return &Error{Action: action, Code: code, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, c.target.Network, c.target.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if c.checkPeer {
		peer, ok := peerOf(conn)
		if !ok {
			return nil, fmt.Errorf("%w: no peer credentials on %s", ErrUnexpectedPeer, c.target.Network)
		}
		if peer.UID != c.peerUID {
			return nil, fmt.Errorf("%w: uid %d, want %d", ErrUnexpectedPeer, peer.UID, c.peerUID)
		}
	}

	conn.SetDeadline(time.Now().Add(responseReadTimeout))
	// Abort the exchange if the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if halfCloser, ok := conn.(interface{ CloseWrite() error }); ok {
		halfCloser.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, MaxMessageSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
