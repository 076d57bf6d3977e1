// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filesurface

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/pathguard"
)

// Resolver maps host names to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Tree is the file surface of one run's working directory.
type Tree struct {
	// LocalHost is the host name this worker advertises; copies are
	// local only when the source resolves to one of its addresses.
	LocalHost string

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver

	guard pathguard.Guard
	root  *Directory
}

// NewTree roots a tree at an existing directory.
func NewTree(root, localHost string) (*Tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &IOError{Op: "stat", Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &IOError{Op: "stat", Path: root, Err: errors.New("not a directory")}
	}
	tree := &Tree{LocalHost: localHost, Resolver: net.DefaultResolver, guard: pathguard.Default()}
	tree.root = newDirectory(tree, nil, "", root)
	return tree, nil
}

// Root returns the working directory node.
func (t *Tree) Root() *Directory { return t.root }

// File resolves a slash-separated path to a file node, creating
// intermediate directory nodes as needed. The file itself need not
// exist yet.
func (t *Tree) File(path string) (*File, error) {
	segments := pathguard.SplitPath(path)
	if len(segments) == 0 {
		return nil, &pathguard.InvalidPathError{Segment: path, Reason: "no file name"}
	}
	directory, err := t.walk(segments[:len(segments)-1])
	if err != nil {
		return nil, err
	}
	return directory.File(segments[len(segments)-1])
}

// Directory resolves a slash-separated path to a directory node. The
// empty path is the root.
func (t *Tree) Directory(path string) (*Directory, error) {
	return t.walk(pathguard.SplitPath(path))
}

func (t *Tree) walk(segments []string) (*Directory, error) {
	directory := t.root
	for _, segment := range segments {
		next, err := directory.Subdirectory(segment)
		if err != nil {
			return nil, err
		}
		directory = next
	}
	return directory, nil
}

// sameHost reports whether host resolves to an address this tree's
// host also resolves to.
func (t *Tree) sameHost(ctx context.Context, host string) (bool, error) {
	if host == t.LocalHost {
		return true, nil
	}
	local, err := t.resolve(ctx, t.LocalHost)
	if err != nil {
		return false, err
	}
	remote, err := t.resolve(ctx, host)
	if err != nil {
		return false, err
	}
	for address := range remote {
		if local[address] {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tree) resolve(ctx context.Context, host string) (map[string]bool, error) {
	addresses := make(map[string]bool)
	if ip := net.ParseIP(host); ip != nil {
		addresses[ip.String()] = true
		return addresses, nil
	}
	resolved, err := t.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	for _, address := range resolved {
		if ip := net.ParseIP(address); ip != nil {
			addresses[ip.String()] = true
		}
	}
	return addresses, nil
}

// Entry is one item of a directory listing.
type Entry struct {
	Name     string    `cbor:"name"`
	IsDir    bool      `cbor:"is_dir"`
	Size     int64     `cbor:"size"`
	Modified time.Time `cbor:"modified"`
}

// Directory is a directory node. Children are created lazily on first
// access and validated once, at creation.
type Directory struct {
	tree   *Tree
	parent *Directory
	name   string
	path   string

	mu      sync.Mutex
	files   map[string]*File
	subdirs map[string]*Directory
	deleted bool
}

func newDirectory(tree *Tree, parent *Directory, name, path string) *Directory {
	return &Directory{
		tree:    tree,
		parent:  parent,
		name:    name,
		path:    path,
		files:   make(map[string]*File),
		subdirs: make(map[string]*Directory),
	}
}

// Name returns the directory's name within its parent.
func (d *Directory) Name() string { return d.name }

// Path returns the native path.
func (d *Directory) Path() string { return d.path }

// File returns the node for name, creating it on first use.
func (d *Directory) File(name string) (*File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return nil, ErrDeleted
	}
	if file, exists := d.files[name]; exists {
		return file, nil
	}
	path, err := d.tree.guard.Validate(d.path, name)
	if err != nil {
		return nil, err
	}
	file := &File{tree: d.tree, parent: d, name: name, path: path}
	d.files[name] = file
	return file, nil
}

// Subdirectory returns the node for name, creating it on first use.
// The directory need not exist on disk.
func (d *Directory) Subdirectory(name string) (*Directory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return nil, ErrDeleted
	}
	if subdirectory, exists := d.subdirs[name]; exists {
		return subdirectory, nil
	}
	path, err := d.tree.guard.Validate(d.path, name)
	if err != nil {
		return nil, err
	}
	subdirectory := newDirectory(d.tree, d, name, path)
	d.subdirs[name] = subdirectory
	return subdirectory, nil
}

// MakeDirectory creates name on disk and returns its node.
func (d *Directory) MakeDirectory(name string) (*Directory, error) {
	if _, err := d.tree.guard.ValidateNew(d.path, name); err != nil {
		return nil, err
	}
	subdirectory, err := d.Subdirectory(name)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(subdirectory.path, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: subdirectory.path, Err: err}
	}
	return subdirectory, nil
}

// Contents lists the directory's entries sorted by name.
func (d *Directory) Contents() ([]Entry, error) {
	d.mu.Lock()
	deleted := d.deleted
	d.mu.Unlock()
	if deleted {
		return nil, ErrDeleted
	}

	dirEntries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, &IOError{Op: "list", Path: d.path, Err: err}
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		info, err := dirEntry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &IOError{Op: "stat", Path: d.path, Err: err}
		}
		entries = append(entries, Entry{
			Name:     dirEntry.Name(),
			IsDir:    dirEntry.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Delete removes the directory and everything under it, and drops the
// node from its parent. The root cannot be deleted.
func (d *Directory) Delete() error {
	if d.parent == nil {
		return &IOError{Op: "delete", Path: d.path, Err: errors.New("cannot delete the working directory root")}
	}
	d.mu.Lock()
	if d.deleted {
		d.mu.Unlock()
		return ErrDeleted
	}
	if err := os.RemoveAll(d.path); err != nil {
		d.mu.Unlock()
		return &IOError{Op: "delete", Path: d.path, Err: err}
	}
	d.markDeletedLocked()
	d.mu.Unlock()

	d.parent.forgetDirectory(d.name, d)
	return nil
}

// markDeletedLocked invalidates d and every node below it.
func (d *Directory) markDeletedLocked() {
	d.deleted = true
	for _, file := range d.files {
		file.mu.Lock()
		file.deleted = true
		file.mu.Unlock()
	}
	for _, subdirectory := range d.subdirs {
		subdirectory.mu.Lock()
		subdirectory.markDeletedLocked()
		subdirectory.mu.Unlock()
	}
	d.files = map[string]*File{}
	d.subdirs = map[string]*Directory{}
}

func (d *Directory) forgetFile(name string, file *File) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files[name] == file {
		delete(d.files, name)
	}
}

func (d *Directory) forgetDirectory(name string, subdirectory *Directory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subdirs[name] == subdirectory {
		delete(d.subdirs, name)
	}
}

// knownFiles returns the names of file nodes currently registered,
// for tests and diagnostics.
func (d *Directory) knownFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
