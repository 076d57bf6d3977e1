// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filesurface

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/runhost/runhost/lib/pathguard"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(t.TempDir(), "worker-a")
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func mustFile(t *testing.T, tree *Tree, path string) *File {
	t.Helper()
	file, err := tree.File(path)
	if err != nil {
		t.Fatalf("File(%q): %v", path, err)
	}
	return file
}

type fakeResolver map[string][]string

func (r fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addresses, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addresses, nil
}

func TestWriteThenReadRestOfFile(t *testing.T) {
	tree := newTestTree(t)
	file := mustFile(t, tree, "out.txt")

	if err := file.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := file.Read(0, RestOfFile)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("Read = %q, want %q", got, "hello world")
	}

	if err := file.Append([]byte("!")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err = file.Read(0, RestOfFile)
	if err != nil {
		t.Fatalf("Read after append: %v", err)
	}
	if string(got) != "hello world!" {
		t.Errorf("Read after append = %q", got)
	}
}

func TestWriteReplacesContents(t *testing.T) {
	tree := newTestTree(t)
	file := mustFile(t, tree, "out.txt")
	if err := file.Write([]byte("a long first version")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := file.Write([]byte("short")); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	got, _ := file.Read(0, RestOfFile)
	if string(got) != "short" {
		t.Errorf("Read = %q, want %q", got, "short")
	}
}

func TestReadLengthRules(t *testing.T) {
	tree := newTestTree(t)
	file := mustFile(t, tree, "big.bin")
	contents := bytes.Repeat([]byte{0xAB}, MaxReadLength+100)
	if err := file.Write(contents); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tests := []struct {
		name   string
		offset int64
		length int
		want   int
	}{
		{"rest of file is capped", 0, RestOfFile, MaxReadLength},
		{"rest of file near the end", MaxReadLength, RestOfFile, 100},
		{"oversized length is clamped", 0, MaxReadLength * 4, MaxReadLength},
		{"other negative length is clamped", 0, -7, MaxReadLength},
		{"short range", 10, 20, 20},
		{"range past the end is truncated", int64(len(contents)) - 5, 20, 5},
		{"offset at the end", int64(len(contents)), 10, 0},
		{"offset past the end", int64(len(contents)) + 50, RestOfFile, 0},
		{"zero length", 0, 0, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := file.Read(test.offset, test.length)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(got) != test.want {
				t.Errorf("len = %d, want %d", len(got), test.want)
			}
		})
	}

	if _, err := file.Read(-1, 10); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("negative offset: err = %v, want ErrInvalidRange", err)
	}
}

func TestReadAllLoopsOverPieces(t *testing.T) {
	tree := newTestTree(t)
	file := mustFile(t, tree, "big.bin")
	contents := make([]byte, 2*MaxReadLength+17)
	for i := range contents {
		contents[i] = byte(i)
	}
	if err := file.Write(contents); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := ReadAll(context.Background(), file)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, contents) {
		t.Errorf("ReadAll returned %d bytes, want %d", len(got), len(contents))
	}
}

func TestReadMissingFile(t *testing.T) {
	tree := newTestTree(t)
	_, err := mustFile(t, tree, "absent").Read(0, RestOfFile)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want ErrStorage wrapping fs.ErrNotExist", err)
	}
}

func TestInvalidPathsRejected(t *testing.T) {
	tree := newTestTree(t)
	for _, path := range []string{"..", "a/../../etc", "", "a/./b"} {
		if _, err := tree.File(path); !errors.Is(err, pathguard.ErrInvalidPath) {
			t.Errorf("File(%q) err = %v, want ErrInvalidPath", path, err)
		}
	}
}

func TestFileDeleteForgetsNode(t *testing.T) {
	tree := newTestTree(t)
	file := mustFile(t, tree, "gone.txt")
	if err := file.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := tree.Root().knownFiles(); !slices.Equal(got, []string{"gone.txt"}) {
		t.Fatalf("known files = %v", got)
	}

	if err := file.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := tree.Root().knownFiles(); len(got) != 0 {
		t.Errorf("known files after delete = %v, want none", got)
	}
	if _, err := os.Stat(file.Path()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("file still on disk: %v", err)
	}
	if _, err := file.Read(0, RestOfFile); !errors.Is(err, ErrDeleted) {
		t.Errorf("Read after delete: err = %v, want ErrDeleted", err)
	}
	if err := file.Delete(); !errors.Is(err, ErrDeleted) {
		t.Errorf("second Delete: err = %v, want ErrDeleted", err)
	}

	// The same name yields a fresh, usable node.
	again := mustFile(t, tree, "gone.txt")
	if again == file {
		t.Fatal("deleted node was handed out again")
	}
	if err := again.Write([]byte("y")); err != nil {
		t.Errorf("Write to fresh node: %v", err)
	}
}

func TestDirectoryLifecycle(t *testing.T) {
	tree := newTestTree(t)
	sub, err := tree.Root().MakeDirectory("logs")
	if err != nil {
		t.Fatalf("MakeDirectory: %v", err)
	}
	if _, err := tree.Root().MakeDirectory("logs"); !errors.Is(err, pathguard.ErrAlreadyExists) {
		t.Errorf("second MakeDirectory: err = %v, want ErrAlreadyExists", err)
	}

	child, err := sub.File("a.log")
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if err := child.Write([]byte("12345")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := tree.Root().Contents()
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "logs" || !entries[0].IsDir {
		t.Errorf("root entries = %+v", entries)
	}
	entries, err = sub.Contents()
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.log" || entries[0].Size != 5 {
		t.Errorf("sub entries = %+v", entries)
	}

	if err := sub.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tree.Root().Path(), "logs")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("directory still on disk: %v", err)
	}
	if _, err := child.Read(0, RestOfFile); !errors.Is(err, ErrDeleted) {
		t.Errorf("child Read after parent delete: err = %v, want ErrDeleted", err)
	}
	if _, err := sub.File("b.log"); !errors.Is(err, ErrDeleted) {
		t.Errorf("File on deleted directory: err = %v, want ErrDeleted", err)
	}
	if err := tree.Root().Delete(); !errors.Is(err, ErrStorage) {
		t.Errorf("deleting root: err = %v, want ErrStorage", err)
	}
}

func TestCopyFromSameHost(t *testing.T) {
	tree := newTestTree(t)
	source := mustFile(t, tree, "source.bin")
	contents := bytes.Repeat([]byte("copy me "), MaxReadLength/4)
	if err := source.Write(contents); err != nil {
		t.Fatalf("Write: %v", err)
	}
	target := mustFile(t, tree, "target.bin")
	if err := target.CopyFrom(context.Background(), source); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	got, err := ReadAll(context.Background(), target)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, contents) {
		t.Errorf("copied %d bytes, want %d", len(got), len(contents))
	}
}

func TestCopyFromResolvesHosts(t *testing.T) {
	resolver := fakeResolver{
		"worker-a":       {"10.0.0.5"},
		"worker-a.local": {"10.0.0.5", "fe80::1"},
		"worker-b":       {"10.0.0.6"},
	}

	sourceTree := newTestTree(t)
	sourceTree.LocalHost = "worker-a.local"
	source := mustFile(t, sourceTree, "data")
	if err := source.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	targetTree := newTestTree(t)
	targetTree.Resolver = resolver
	target := mustFile(t, targetTree, "data")
	if err := target.CopyFrom(context.Background(), source); err != nil {
		t.Fatalf("CopyFrom across aliases: %v", err)
	}

	otherTree := newTestTree(t)
	otherTree.LocalHost = "worker-b"
	other := mustFile(t, otherTree, "data")
	if err := other.Write([]byte("elsewhere")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := target.CopyFrom(context.Background(), other)
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("cross-host CopyFrom: err = %v, want ErrNotImplemented", err)
	}
	got, _ := target.Read(0, RestOfFile)
	if string(got) != "payload" {
		t.Errorf("target changed by rejected copy: %q", got)
	}
}
