// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"

	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
)

// Client drives a worker's control actions. It implements
// run.WorkerClient.
type Client struct {
	remote *remote.Client
}

// Dial is the run.DialFunc for real workers. Every call first checks
// that target is served by uid, so nothing, start credentials least of
// all, reaches a process squatting on the worker's name.
func Dial(target handle.Handle, uid int) run.WorkerClient {
	return &Client{remote: remote.NewClient(target).ExpectPeer(uid)}
}

func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	err := c.remote.Call(ctx, action, fields, result)
	if remote.HasCode(err, remote.CodeUnsupported) {
		return fmt.Errorf("%w: %w", run.ErrUnsupported, err)
	}
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, ActionPing, nil, nil)
}

func (c *Client) Start(ctx context.Context, request run.StartRequest) error {
	return c.call(ctx, ActionStart, map[string]any{"request": request}, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, ActionStop, nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, ActionResume, nil, nil)
}

func (c *Client) Status(ctx context.Context) (run.WorkerStatus, error) {
	var status run.WorkerStatus
	err := c.call(ctx, ActionStatus, nil, &status)
	return status, err
}

func (c *Client) Terminate(ctx context.Context) error {
	return c.call(ctx, ActionTerminate, nil, nil)
}

func (c *Client) Destroy(ctx context.Context) error {
	return c.call(ctx, ActionDestroy, nil, nil)
}
