// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory implements the remote-object directory that
// coordinator and workers rendezvous through.
//
// A worker binds its handle under the correlation token it was
// launched with; the coordinator polls Lookup on that token until the
// worker appears. The directory runs inside runhost-broker and is
// addressed only by the handle the broker prints on stdout.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/remote"
)

// ErrNotBound is returned by Lookup and Unbind for unknown names.
var ErrNotBound = errors.New("name not bound")

// ErrAlreadyBound is returned by Bind when the name is taken and
// replace was not requested.
var ErrAlreadyBound = errors.New("name already bound")

// Registry is the in-memory name table.
type Registry struct {
	mu      sync.Mutex
	entries map[string]handle.Handle
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{entries: make(map[string]handle.Handle), logger: logger}
}

// Bind associates name with target.
func (r *Registry) Bind(name string, target handle.Handle, replace bool) error {
	if name == "" {
		return errors.New("name is empty")
	}
	if err := target.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists && !replace {
		return fmt.Errorf("%q: %w", name, ErrAlreadyBound)
	}
	r.entries[name] = target
	r.logger.Info("name bound", "name", name, "endpoint", target.Endpoint())
	return nil
}

// Lookup returns the handle bound to name.
func (r *Registry) Lookup(name string) (handle.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, exists := r.entries[name]
	if !exists {
		return handle.Handle{}, fmt.Errorf("%q: %w", name, ErrNotBound)
	}
	return target, nil
}

// Unbind removes name.
func (r *Registry) Unbind(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("%q: %w", name, ErrNotBound)
	}
	delete(r.entries, name)
	r.logger.Info("name unbound", "name", name)
	return nil
}

// List returns all bound names in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type nameRequest struct {
	Name string `cbor:"name"`
}

type bindRequest struct {
	Name    string        `cbor:"name"`
	Handle  handle.Handle `cbor:"handle"`
	Replace bool          `cbor:"replace"`
}

type lookupResponse struct {
	Handle handle.Handle `cbor:"handle"`
}

type listResponse struct {
	Names []string `cbor:"names"`
}

// Register exposes the registry's operations on server.
func (r *Registry) Register(server *remote.Server) {
	server.Handle("directory.bind", func(ctx context.Context, raw []byte) (any, error) {
		var request bindRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		err := r.Bind(request.Name, request.Handle, request.Replace)
		if errors.Is(err, ErrAlreadyBound) {
			return nil, remote.WithCode(remote.CodeAlreadyExists, err)
		}
		return nil, remote.WithCode(remote.CodeBadRequest, err)
	})
	server.Handle("directory.lookup", func(ctx context.Context, raw []byte) (any, error) {
		var request nameRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		target, err := r.Lookup(request.Name)
		if err != nil {
			return nil, remote.WithCode(remote.CodeNotBound, err)
		}
		return lookupResponse{Handle: target}, nil
	})
	server.Handle("directory.unbind", func(ctx context.Context, raw []byte) (any, error) {
		var request nameRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		return nil, remote.WithCode(remote.CodeNotBound, r.Unbind(request.Name))
	})
	server.Handle("directory.list", func(ctx context.Context, raw []byte) (any, error) {
		return listResponse{Names: r.List()}, nil
	})
}

// Client is the caller side of a directory.
type Client struct {
	remote *remote.Client
}

// NewClient returns a client for the directory at target.
func NewClient(target handle.Handle) *Client {
	return &Client{remote: remote.NewClient(target)}
}

// Bind publishes target under name.
func (c *Client) Bind(ctx context.Context, name string, target handle.Handle, replace bool) error {
	err := c.remote.Call(ctx, "directory.bind", map[string]any{
		"name": name, "handle": target, "replace": replace,
	}, nil)
	if remote.HasCode(err, remote.CodeAlreadyExists) {
		return fmt.Errorf("%w: %w", ErrAlreadyBound, err)
	}
	return err
}

// Lookup resolves name. Unknown names fail with ErrNotBound; an
// unreachable directory fails with a *remote.TransportError.
func (c *Client) Lookup(ctx context.Context, name string) (handle.Handle, error) {
	var response lookupResponse
	if err := c.remote.Call(ctx, "directory.lookup", map[string]any{"name": name}, &response); err != nil {
		if remote.HasCode(err, remote.CodeNotBound) {
			return handle.Handle{}, fmt.Errorf("%w: %w", ErrNotBound, err)
		}
		return handle.Handle{}, err
	}
	return response.Handle, nil
}

// Unbind removes name.
func (c *Client) Unbind(ctx context.Context, name string) error {
	err := c.remote.Call(ctx, "directory.unbind", map[string]any{"name": name}, nil)
	if remote.HasCode(err, remote.CodeNotBound) {
		return fmt.Errorf("%w: %w", ErrNotBound, err)
	}
	return err
}

// List returns every bound name.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var response listResponse
	if err := c.remote.Call(ctx, "directory.list", nil, &response); err != nil {
		return nil, err
	}
	return response.Names, nil
}
