// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handle defines the transportable reference to a remote-object
// endpoint and the bootstrap side channel that carries it.
//
// A [Handle] names a listening endpoint plus an opaque namespace token
// that the endpoint checks on every request, so a handle for a server
// that has since exited cannot accidentally address whatever process
// reuses its port. Handles travel over a helper's stdout ([Write],
// [Read]) or through argv ([Handle.Text], [ParseText]); they are never
// published in a discoverable registry.
package handle

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/runhost/runhost/lib/codec"
)

// Handle is a serializable reference to a remote-object endpoint.
type Handle struct {
	// Network is "tcp" or "unix".
	Network string `cbor:"network"`

	// Address is the advertised host (tcp) or socket path (unix).
	Address string `cbor:"address"`

	// Port is the tcp port. Zero for unix handles.
	Port int `cbor:"port,omitempty"`

	// Namespace is the random token the endpoint requires on every
	// request.
	Namespace string `cbor:"namespace"`
}

// Endpoint returns the address to dial.
func (h Handle) Endpoint() string {
	if h.Network == "unix" {
		return h.Address
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

func (h Handle) String() string {
	return h.Network + "://" + h.Endpoint() + "/" + h.Namespace
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// Validate checks that h is dialable.
func (h Handle) Validate() error {
	var errs []error
	switch h.Network {
	case "tcp":
		if h.Port <= 0 || h.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", h.Port))
		}
	case "unix":
	default:
		errs = append(errs, fmt.Errorf("unsupported network %q", h.Network))
	}
	if h.Address == "" {
		errs = append(errs, errors.New("address is empty"))
	}
	if h.Namespace == "" {
		errs = append(errs, errors.New("namespace is empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid handle: %w", errors.Join(errs...))
	}
	return nil
}

// Text returns the argv-safe encoding of h.
func (h Handle) Text() (string, error) {
	return codec.MarshalText(h)
}

// ParseText decodes a handle produced by Text and validates it.
func ParseText(text string) (Handle, error) {
	var h Handle
	if err := codec.UnmarshalText(text, &h); err != nil {
		return Handle{}, fmt.Errorf("decoding handle: %w", err)
	}
	if err := h.Validate(); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Write emits h as exactly one CBOR value on w. This is the broker's
// only output on stdout.
func Write(w io.Writer, h Handle) error {
	return codec.NewEncoder(w).Encode(h)
}

// Read decodes one handle from r and validates it.
func Read(r io.Reader) (Handle, error) {
	var h Handle
	if err := codec.NewDecoder(r).Decode(&h); err != nil {
		if errors.Is(err, io.EOF) {
			return Handle{}, errors.New("reading handle: no output before end of stream")
		}
		return Handle{}, fmt.Errorf("reading handle: %w", err)
	}
	if err := h.Validate(); err != nil {
		return Handle{}, err
	}
	return h, nil
}
