// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filesurface

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/runhost/runhost/lib/chunk"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/pathguard"
	"github.com/runhost/runhost/lib/remote"
)

// SourceDialer opens a copy source addressed by another worker's
// handle and a path within its tree.
type SourceDialer func(target handle.Handle, path string) Source

// DialRemoteSource is the SourceDialer used by workers.
func DialRemoteSource(target handle.Handle, path string) Source {
	return NewRemoteFile(remote.NewClient(target), path)
}

type pathRequest struct {
	Path string `cbor:"path"`
}

type readRequest struct {
	Path   string `cbor:"path"`
	Offset int64  `cbor:"offset"`
	Length int    `cbor:"length"`
}

type dataRequest struct {
	Path string `cbor:"path"`
	Data []byte `cbor:"data"`
}

type copyRequest struct {
	Path         string        `cbor:"path"`
	SourceHandle handle.Handle `cbor:"source_handle"`
	SourcePath   string        `cbor:"source_path"`
}

type listResponse struct {
	Entries []Entry `cbor:"entries"`
}

// Register exposes tree on server under the file.* and dir.* actions.
func Register(server *remote.Server, tree *Tree, dial SourceDialer) {
	if dial == nil {
		dial = DialRemoteSource
	}
	withFile := func(raw []byte, request any, path *string, action func(*File) (any, error)) (any, error) {
		if err := remote.Decode(raw, request); err != nil {
			return nil, err
		}
		file, err := tree.File(*path)
		if err != nil {
			return nil, toRemote(err)
		}
		result, err := action(file)
		return result, toRemote(err)
	}

	server.Handle("file.read", func(ctx context.Context, raw []byte) (any, error) {
		var request readRequest
		return withFile(raw, &request, &request.Path, func(file *File) (any, error) {
			data, err := file.Read(request.Offset, request.Length)
			if err != nil {
				return nil, err
			}
			return chunk.Pack(data)
		})
	})
	server.Handle("file.write", func(ctx context.Context, raw []byte) (any, error) {
		var request dataRequest
		return withFile(raw, &request, &request.Path, func(file *File) (any, error) {
			return nil, file.Write(request.Data)
		})
	})
	server.Handle("file.append", func(ctx context.Context, raw []byte) (any, error) {
		var request dataRequest
		return withFile(raw, &request, &request.Path, func(file *File) (any, error) {
			return nil, file.Append(request.Data)
		})
	})
	server.Handle("file.delete", func(ctx context.Context, raw []byte) (any, error) {
		var request pathRequest
		return withFile(raw, &request, &request.Path, func(file *File) (any, error) {
			return nil, file.Delete()
		})
	})
	server.Handle("file.metadata", func(ctx context.Context, raw []byte) (any, error) {
		var request pathRequest
		return withFile(raw, &request, &request.Path, func(file *File) (any, error) {
			return file.Metadata()
		})
	})
	server.Handle("file.copy", func(ctx context.Context, raw []byte) (any, error) {
		var request copyRequest
		return withFile(raw, &request, &request.Path, func(file *File) (any, error) {
			if err := request.SourceHandle.Validate(); err != nil {
				return nil, remote.WithCode(remote.CodeBadRequest, err)
			}
			return nil, file.CopyFrom(ctx, dial(request.SourceHandle, request.SourcePath))
		})
	})

	server.Handle("dir.list", func(ctx context.Context, raw []byte) (any, error) {
		var request pathRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		directory, err := tree.Directory(request.Path)
		if err != nil {
			return nil, toRemote(err)
		}
		entries, err := directory.Contents()
		if err != nil {
			return nil, toRemote(err)
		}
		return listResponse{Entries: entries}, nil
	})
	server.Handle("dir.mkdir", func(ctx context.Context, raw []byte) (any, error) {
		var request pathRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		segments := pathguard.SplitPath(request.Path)
		if len(segments) == 0 {
			return nil, remote.Errorf(remote.CodeInvalidPath, "no directory name")
		}
		parent, err := tree.walk(segments[:len(segments)-1])
		if err != nil {
			return nil, toRemote(err)
		}
		_, err = parent.MakeDirectory(segments[len(segments)-1])
		return nil, toRemote(err)
	})
	server.Handle("dir.delete", func(ctx context.Context, raw []byte) (any, error) {
		var request pathRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		directory, err := tree.Directory(request.Path)
		if err != nil {
			return nil, toRemote(err)
		}
		return nil, toRemote(directory.Delete())
	})
}

// toRemote tags a file-surface error with its wire code.
func toRemote(err error) error {
	switch {
	case err == nil:
		return nil
	case remote.CodeOf(err) != remote.CodeInternal:
		return err
	case errors.Is(err, pathguard.ErrInvalidPath):
		return remote.WithCode(remote.CodeInvalidPath, err)
	case errors.Is(err, ErrNotImplemented):
		return remote.WithCode(remote.CodeNotImplemented, err)
	case errors.Is(err, ErrDeleted), errors.Is(err, fs.ErrNotExist), errors.Is(err, pathguard.ErrNotFound):
		return remote.WithCode(remote.CodeNotFound, err)
	case errors.Is(err, pathguard.ErrAlreadyExists):
		return remote.WithCode(remote.CodeAlreadyExists, err)
	case errors.Is(err, ErrInvalidRange):
		return remote.WithCode(remote.CodeBadRequest, err)
	case errors.Is(err, ErrStorage):
		return remote.WithCode(remote.CodeIO, err)
	}
	return err
}

// fromRemote maps a wire code back onto this package's sentinels so
// callers can use errors.Is the same way for local and remote nodes.
func fromRemote(err error) error {
	var sentinel error
	switch {
	case err == nil:
		return nil
	case remote.HasCode(err, remote.CodeIO):
		sentinel = ErrStorage
	case remote.HasCode(err, remote.CodeNotImplemented):
		sentinel = ErrNotImplemented
	case remote.HasCode(err, remote.CodeInvalidPath):
		sentinel = pathguard.ErrInvalidPath
	case remote.HasCode(err, remote.CodeNotFound):
		sentinel = fs.ErrNotExist
	case remote.HasCode(err, remote.CodeAlreadyExists):
		sentinel = pathguard.ErrAlreadyExists
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// RemoteFile is the coordinator's proxy for a file in a worker's tree.
type RemoteFile struct {
	client *remote.Client
	path   string
}

// NewRemoteFile addresses path on the worker behind client.
func NewRemoteFile(client *remote.Client, path string) *RemoteFile {
	return &RemoteFile{client: client, path: path}
}

// Path returns the slash-separated path within the worker's tree.
func (f *RemoteFile) Path() string { return f.path }

// Host implements Source. Unix-socket workers are on this host.
func (f *RemoteFile) Host() string {
	target := f.client.Handle()
	if target.Network == "unix" {
		return handle.LoopbackHost
	}
	return target.Address
}

// ReadAt implements Source.
func (f *RemoteFile) ReadAt(ctx context.Context, offset int64, length int) ([]byte, error) {
	return f.Read(ctx, offset, length)
}

// Read fetches one range with the same length rules as File.Read.
func (f *RemoteFile) Read(ctx context.Context, offset int64, length int) ([]byte, error) {
	var frame chunk.Frame
	err := f.client.Call(ctx, "file.read", map[string]any{
		"path": f.path, "offset": offset, "length": length,
	}, &frame)
	if err != nil {
		return nil, fromRemote(err)
	}
	data, err := frame.Unpack()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return data, nil
}

// Write replaces the file's contents. Data larger than MaxReadLength
// is sent as a write of the first piece followed by appends.
func (f *RemoteFile) Write(ctx context.Context, data []byte) error {
	first := data
	if len(first) > MaxReadLength {
		first = data[:MaxReadLength]
	}
	if err := f.send(ctx, "file.write", first); err != nil {
		return err
	}
	return f.appendPieces(ctx, data[len(first):])
}

// Append adds data to the end of the file, in MaxReadLength pieces.
func (f *RemoteFile) Append(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return f.send(ctx, "file.append", data)
	}
	return f.appendPieces(ctx, data)
}

func (f *RemoteFile) appendPieces(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		piece := data
		if len(piece) > MaxReadLength {
			piece = data[:MaxReadLength]
		}
		if err := f.send(ctx, "file.append", piece); err != nil {
			return err
		}
		data = data[len(piece):]
	}
	return nil
}

func (f *RemoteFile) send(ctx context.Context, action string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return fromRemote(f.client.Call(ctx, action, map[string]any{"path": f.path, "data": data}, nil))
}

// Delete removes the file on the worker.
func (f *RemoteFile) Delete(ctx context.Context) error {
	return fromRemote(f.client.Call(ctx, "file.delete", map[string]any{"path": f.path}, nil))
}

// Metadata returns the remote file's size and modification time.
func (f *RemoteFile) Metadata(ctx context.Context) (Metadata, error) {
	var metadata Metadata
	err := f.client.Call(ctx, "file.metadata", map[string]any{"path": f.path}, &metadata)
	return metadata, fromRemote(err)
}

// CopyFrom asks this file's worker to copy source into it.
func (f *RemoteFile) CopyFrom(ctx context.Context, source *RemoteFile) error {
	return fromRemote(f.client.Call(ctx, "file.copy", map[string]any{
		"path":          f.path,
		"source_handle": source.client.Handle(),
		"source_path":   source.path,
	}, nil))
}

// RemoteDirectory is the coordinator's proxy for a directory in a
// worker's tree.
type RemoteDirectory struct {
	client *remote.Client
	path   string
}

// NewRemoteDirectory addresses path ("" for the root).
func NewRemoteDirectory(client *remote.Client, path string) *RemoteDirectory {
	return &RemoteDirectory{client: client, path: path}
}

func (d *RemoteDirectory) join(name string) string {
	if d.path == "" {
		return name
	}
	return d.path + "/" + name
}

// File returns a proxy for name inside d.
func (d *RemoteDirectory) File(name string) *RemoteFile {
	return NewRemoteFile(d.client, d.join(name))
}

// Subdirectory returns a proxy for name inside d.
func (d *RemoteDirectory) Subdirectory(name string) *RemoteDirectory {
	return NewRemoteDirectory(d.client, d.join(name))
}

// Contents lists d.
func (d *RemoteDirectory) Contents(ctx context.Context) ([]Entry, error) {
	var response listResponse
	if err := d.client.Call(ctx, "dir.list", map[string]any{"path": d.path}, &response); err != nil {
		return nil, fromRemote(err)
	}
	return response.Entries, nil
}

// MakeDirectory creates name inside d.
func (d *RemoteDirectory) MakeDirectory(ctx context.Context, name string) (*RemoteDirectory, error) {
	if err := d.client.Call(ctx, "dir.mkdir", map[string]any{"path": d.join(name)}, nil); err != nil {
		return nil, fromRemote(err)
	}
	return d.Subdirectory(name), nil
}

// Delete removes d and its contents.
func (d *RemoteDirectory) Delete(ctx context.Context) error {
	return fromRemote(d.client.Call(ctx, "dir.delete", map[string]any{"path": d.path}, nil))
}
