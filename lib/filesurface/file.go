// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filesurface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	// MaxReadLength caps a single Read. Larger files are read in a
	// loop.
	MaxReadLength = 64 * 1024

	// RestOfFile as a Read length means "from offset to the end".
	RestOfFile = -1
)

// Metadata describes a file.
type Metadata struct {
	Size     int64     `cbor:"size"`
	Modified time.Time `cbor:"modified"`
}

// Source is something CopyFrom can read: a local File, or a proxy
// for a file on another worker.
type Source interface {
	// Host is the host name the source lives on.
	Host() string
	ReadAt(ctx context.Context, offset int64, length int) ([]byte, error)
}

// File is a file node. Its native path was validated when the node was
// created and is trusted afterwards.
type File struct {
	tree   *Tree
	parent *Directory
	name   string
	path   string

	mu      sync.Mutex
	deleted bool
}

// Name returns the file's name within its directory.
func (f *File) Name() string { return f.name }

// Path returns the native path.
func (f *File) Path() string { return f.path }

// Host implements Source.
func (f *File) Host() string { return f.tree.LocalHost }

// ReadAt implements Source.
func (f *File) ReadAt(_ context.Context, offset int64, length int) ([]byte, error) {
	return f.Read(offset, length)
}

// effectiveLength applies the read-length rules: RestOfFile reads to
// the end, any other negative length or one above MaxReadLength is
// clamped to MaxReadLength, and the result never runs past the end of
// the file.
func effectiveLength(size, offset int64, length int) int64 {
	requested := int64(length)
	switch {
	case length == RestOfFile:
		requested = size - offset
		if requested > MaxReadLength {
			requested = MaxReadLength
		}
	case length < 0 || length > MaxReadLength:
		requested = MaxReadLength
	}
	if remaining := size - offset; requested > remaining {
		requested = remaining
	}
	return requested
}

// Read returns up to length bytes starting at offset. A non-positive
// effective length (offset at or past the end, or length zero) yields
// an empty result, not an error.
func (f *File) Read(offset int64, length int) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset %d: %w", offset, ErrInvalidRange)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return nil, ErrDeleted
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: f.path, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat", Path: f.path, Err: err}
	}
	count := effectiveLength(info.Size(), offset, length)
	if count <= 0 {
		return []byte{}, nil
	}

	buffer := make([]byte, count)
	read, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &IOError{Op: "read", Path: f.path, Err: err}
	}
	return buffer[:read], nil
}

// Write replaces the file's contents with data and syncs it to disk.
func (f *File) Write(data []byte) error {
	return f.store(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, "write", data)
}

// Append adds data to the end of the file and syncs it to disk.
func (f *File) Append(data []byte) error {
	return f.store(os.O_WRONLY|os.O_CREATE|os.O_APPEND, "append", data)
}

func (f *File) store(flags int, op string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return ErrDeleted
	}

	file, err := os.OpenFile(f.path, flags, 0o644)
	if err != nil {
		return &IOError{Op: op, Path: f.path, Err: err}
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return &IOError{Op: op, Path: f.path, Err: err}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return &IOError{Op: op, Path: f.path, Err: err}
	}
	if err := file.Close(); err != nil {
		return &IOError{Op: op, Path: f.path, Err: err}
	}
	return nil
}

// Delete removes the file and drops the node from its directory. The
// node is unusable afterwards.
func (f *File) Delete() error {
	f.mu.Lock()
	if f.deleted {
		f.mu.Unlock()
		return ErrDeleted
	}
	if err := os.Remove(f.path); err != nil {
		f.mu.Unlock()
		return &IOError{Op: "delete", Path: f.path, Err: err}
	}
	f.deleted = true
	f.mu.Unlock()

	f.parent.forgetFile(f.name, f)
	return nil
}

// Metadata returns the file's size and modification time.
func (f *File) Metadata() (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return Metadata{}, ErrDeleted
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return Metadata{}, &IOError{Op: "stat", Path: f.path, Err: err}
	}
	return Metadata{Size: info.Size(), Modified: info.ModTime()}, nil
}

// CopyFrom replaces this file's contents with source's. Only sources
// on the same host are supported; others fail with ErrNotImplemented.
// The source is read completely before anything is written, since its
// owner may be changing it concurrently.
func (f *File) CopyFrom(ctx context.Context, source Source) error {
	same, err := f.tree.sameHost(ctx, source.Host())
	if err != nil {
		return fmt.Errorf("comparing hosts: %w", err)
	}
	if !same {
		return fmt.Errorf("copy from host %s to %s: %w", source.Host(), f.tree.LocalHost, ErrNotImplemented)
	}

	contents, err := ReadAll(ctx, source)
	if err != nil {
		return fmt.Errorf("reading copy source: %w", err)
	}
	return f.Write(contents)
}

// ReadAll reads source from the start until a short read.
func ReadAll(ctx context.Context, source Source) ([]byte, error) {
	var contents []byte
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		piece, err := source.ReadAt(ctx, offset, MaxReadLength)
		if err != nil {
			return nil, err
		}
		contents = append(contents, piece...)
		offset += int64(len(piece))
		if len(piece) < MaxReadLength {
			return contents, nil
		}
	}
}
