// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/chunk"
	"github.com/runhost/runhost/lib/filesurface"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/usage"
)

// Client calls the run API.
type Client struct {
	remote *remote.Client

	// Principal is sent with every request. The coordinator honours
	// it only for operators.
	Principal string
}

// NewClient returns a client for the API endpoint at target.
func NewClient(target handle.Handle) *Client {
	return &Client{remote: remote.NewClient(target)}
}

func (c *Client) call(ctx context.Context, action string, fields map[string]any, result any) error {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	if c.Principal != "" {
		fields["principal"] = c.Principal
	}
	return c.remote.Call(ctx, action, fields, result)
}

func (c *Client) snapshot(ctx context.Context, action string, fields map[string]any) (run.Snapshot, error) {
	var snapshot run.Snapshot
	err := c.call(ctx, action, fields, &snapshot)
	return snapshot, err
}

// Create registers a run. A zero lifetime takes the coordinator's
// default.
func (c *Client) Create(ctx context.Context, workflow string, lifetime time.Duration, credentials map[string]string) (run.Snapshot, error) {
	fields := map[string]any{"workflow": workflow}
	if lifetime != 0 {
		fields["lifetime"] = lifetime
	}
	if len(credentials) > 0 {
		fields["credentials"] = credentials
	}
	return c.snapshot(ctx, ActionRunCreate, fields)
}

func (c *Client) Get(ctx context.Context, id string) (run.Snapshot, error) {
	return c.snapshot(ctx, ActionRunGet, map[string]any{"id": id})
}

// List returns the caller's runs, or every run when all is set.
func (c *Client) List(ctx context.Context, all bool) ([]run.Snapshot, error) {
	var list RunList
	err := c.call(ctx, ActionRunList, map[string]any{"all": all}, &list)
	return list.Runs, err
}

func (c *Client) Start(ctx context.Context, id string) (run.Snapshot, error) {
	return c.snapshot(ctx, ActionRunStart, map[string]any{"id": id})
}

func (c *Client) Stop(ctx context.Context, id string) (run.Snapshot, error) {
	return c.snapshot(ctx, ActionRunStop, map[string]any{"id": id})
}

func (c *Client) Resume(ctx context.Context, id string) (run.Snapshot, error) {
	return c.snapshot(ctx, ActionRunResume, map[string]any{"id": id})
}

func (c *Client) Destroy(ctx context.Context, id string) (run.Snapshot, error) {
	return c.snapshot(ctx, ActionRunDestroy, map[string]any{"id": id})
}

func (c *Client) SetExpiry(ctx context.Context, id string, expiry time.Time) (run.Snapshot, error) {
	return c.snapshot(ctx, ActionRunSetExpiry, map[string]any{"id": id, "expiry": expiry})
}

func (c *Client) Quota(ctx context.Context) (admission.Quota, error) {
	var quota admission.Quota
	err := c.call(ctx, ActionQuotaGet, nil, &quota)
	return quota, err
}

func (c *Client) UpdateQuota(ctx context.Context, quota admission.Quota) (admission.Quota, error) {
	var updated admission.Quota
	err := c.call(ctx, ActionQuotaUpdate, map[string]any{"quota": quota}, &updated)
	return updated, err
}

// Usage lists journaled usage records.
func (c *Client) Usage(ctx context.Context, owner, jobID string, since time.Time, limit int) ([]usage.Record, error) {
	fields := map[string]any{"limit": limit}
	if owner != "" {
		fields["owner"] = owner
	}
	if jobID != "" {
		fields["job_id"] = jobID
	}
	if !since.IsZero() {
		fields["since"] = since
	}
	var list UsageList
	err := c.call(ctx, ActionUsageList, fields, &list)
	return list.Records, err
}

func (c *Client) Status(ctx context.Context) (HostStatus, error) {
	var status HostStatus
	err := c.call(ctx, ActionHostStatus, nil, &status)
	return status, err
}

// ReadFile reads one range of a run's file with filesurface's length
// rules.
func (c *Client) ReadFile(ctx context.Context, id, path string, offset int64, length int) ([]byte, error) {
	var frame chunk.Frame
	err := c.call(ctx, "file.read", map[string]any{
		"id": id, "path": path, "offset": offset, "length": length,
	}, &frame)
	if err != nil {
		return nil, err
	}
	data, err := frame.Unpack()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// ReadAll reads a whole file piece by piece.
func (c *Client) ReadAll(ctx context.Context, id, path string) ([]byte, error) {
	var contents []byte
	for {
		piece, err := c.ReadFile(ctx, id, path, int64(len(contents)), filesurface.MaxReadLength)
		if err != nil {
			return nil, err
		}
		contents = append(contents, piece...)
		if len(piece) < filesurface.MaxReadLength {
			return contents, nil
		}
	}
}

// WriteFile replaces a file, sending large contents as a write
// followed by appends.
func (c *Client) WriteFile(ctx context.Context, id, path string, data []byte) error {
	first := data
	if len(first) > filesurface.MaxReadLength {
		first = data[:filesurface.MaxReadLength]
	}
	if first == nil {
		first = []byte{}
	}
	if err := c.call(ctx, "file.write", map[string]any{"id": id, "path": path, "data": first}, nil); err != nil {
		return err
	}
	return c.AppendFile(ctx, id, path, data[len(first):])
}

// AppendFile appends data in MaxReadLength pieces.
func (c *Client) AppendFile(ctx context.Context, id, path string, data []byte) error {
	for len(data) > 0 {
		piece := data
		if len(piece) > filesurface.MaxReadLength {
			piece = data[:filesurface.MaxReadLength]
		}
		if err := c.call(ctx, "file.append", map[string]any{"id": id, "path": path, "data": piece}, nil); err != nil {
			return err
		}
		data = data[len(piece):]
	}
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, id, path string) error {
	return c.call(ctx, "file.delete", map[string]any{"id": id, "path": path}, nil)
}

func (c *Client) Metadata(ctx context.Context, id, path string) (filesurface.Metadata, error) {
	var metadata filesurface.Metadata
	err := c.call(ctx, "file.metadata", map[string]any{"id": id, "path": path}, &metadata)
	return metadata, err
}

// CopyFile copies sourcePath of run sourceID into path of run id.
// Both runs must belong to the caller.
func (c *Client) CopyFile(ctx context.Context, id, path, sourceID, sourcePath string) error {
	return c.call(ctx, "file.copy", map[string]any{
		"id": id, "path": path, "source_id": sourceID, "source_path": sourcePath,
	}, nil)
}

func (c *Client) ListDirectory(ctx context.Context, id, path string) ([]filesurface.Entry, error) {
	var listing DirectoryListing
	err := c.call(ctx, "dir.list", map[string]any{"id": id, "path": path}, &listing)
	return listing.Entries, err
}

func (c *Client) MakeDirectory(ctx context.Context, id, path string) error {
	return c.call(ctx, "dir.mkdir", map[string]any{"id": id, "path": path}, nil)
}

func (c *Client) DeleteDirectory(ctx context.Context, id, path string) error {
	return c.call(ctx, "dir.delete", map[string]any{"id": id, "path": path}, nil)
}
