// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filesurface

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/pathguard"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/testutil"
)

// serveTree serves tree on a unix socket and returns a client for it.
func serveTree(t *testing.T, tree *Tree, dial SourceDialer) *remote.Client {
	t.Helper()
	listener, minted, err := handle.ListenUnix(filepath.Join(testutil.SocketDir(t), "worker.sock"))
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	server := remote.NewServer(listener, minted.Namespace, testutil.Logger(t))
	Register(server, tree, dial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "file surface server shutdown")
	})
	return remote.NewClient(minted)
}

func TestRemoteWriteReadAppend(t *testing.T) {
	tree := newTestTree(t)
	client := serveTree(t, tree, nil)
	ctx := context.Background()

	file := NewRemoteDirectory(client, "").File("notes.txt")
	if err := file.Write(ctx, []byte("first")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := file.Append(ctx, []byte(" second")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := file.Read(ctx, 0, RestOfFile)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "first second" {
		t.Errorf("Read = %q", got)
	}

	metadata, err := file.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if metadata.Size != int64(len("first second")) {
		t.Errorf("Size = %d", metadata.Size)
	}
}

func TestRemoteLargeWriteIsChunked(t *testing.T) {
	tree := newTestTree(t)
	client := serveTree(t, tree, nil)
	ctx := context.Background()

	contents := make([]byte, 3*MaxReadLength+11)
	for i := range contents {
		contents[i] = byte(i * 7)
	}
	file := NewRemoteFile(client, "big.bin")
	if err := file.Write(ctx, contents); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := ReadAll(ctx, file)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, contents) {
		t.Errorf("read back %d bytes, want %d", len(got), len(contents))
	}
}

func TestRemoteErrorsMapToSentinels(t *testing.T) {
	tree := newTestTree(t)
	client := serveTree(t, tree, nil)
	ctx := context.Background()

	if _, err := NewRemoteFile(client, "../escape").Read(ctx, 0, 10); !errors.Is(err, pathguard.ErrInvalidPath) {
		t.Errorf("invalid path: err = %v, want ErrInvalidPath", err)
	}
	if _, err := NewRemoteFile(client, "missing").Read(ctx, 0, 10); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file: err = %v, want fs.ErrNotExist", err)
	}

	root := NewRemoteDirectory(client, "")
	if _, err := root.MakeDirectory(ctx, "work"); err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	if _, err := root.MakeDirectory(ctx, "work"); !errors.Is(err, pathguard.ErrAlreadyExists) {
		t.Errorf("duplicate MakeDirectory: err = %v, want ErrAlreadyExists", err)
	}
}

func TestRemoteDirectoryListAndDelete(t *testing.T) {
	tree := newTestTree(t)
	client := serveTree(t, tree, nil)
	ctx := context.Background()

	work, err := NewRemoteDirectory(client, "").MakeDirectory(ctx, "work")
	if err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	if err := work.File("result.json").Write(ctx, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := work.Contents(ctx)
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "result.json" || entries[0].IsDir {
		t.Errorf("entries = %+v", entries)
	}

	if err := work.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := work.Contents(ctx); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Contents after delete: err = %v, want fs.ErrNotExist", err)
	}
}

func TestRemoteCopy(t *testing.T) {
	ctx := context.Background()

	sourceTree := newTestTree(t)
	sourceTree.LocalHost = handle.LoopbackHost
	sourceClient := serveTree(t, sourceTree, nil)
	source := NewRemoteFile(sourceClient, "input.bin")
	contents := bytes.Repeat([]byte("0123456789"), MaxReadLength/5)
	if err := source.Write(ctx, contents); err != nil {
		t.Fatalf("Write: %v", err)
	}

	targetTree := newTestTree(t)
	targetTree.LocalHost = handle.LoopbackHost
	targetClient := serveTree(t, targetTree, nil)
	target := NewRemoteFile(targetClient, "output.bin")
	if err := target.CopyFrom(ctx, source); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	got, err := ReadAll(ctx, target)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, contents) {
		t.Errorf("copied %d bytes, want %d", len(got), len(contents))
	}
}

type foreignSource struct{}

func (foreignSource) Host() string { return "198.51.100.7" }
func (foreignSource) ReadAt(context.Context, int64, int) ([]byte, error) {
	return nil, errors.New("must not be read")
}

func TestRemoteCopyAcrossHostsNotImplemented(t *testing.T) {
	tree := newTestTree(t)
	tree.LocalHost = handle.LoopbackHost
	client := serveTree(t, tree, func(handle.Handle, string) Source { return foreignSource{} })
	ctx := context.Background()

	other := NewRemoteFile(client, "anything")
	err := NewRemoteFile(client, "target").CopyFrom(ctx, other)
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}
	if !remote.HasCode(err, remote.CodeNotImplemented) {
		t.Errorf("err = %v, want code %s", err, remote.CodeNotImplemented)
	}
}
