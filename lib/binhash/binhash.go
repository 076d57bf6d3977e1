// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a BLAKE3-256 digest.
type Digest [32]byte

// String returns the lowercase hex form used in logs.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// File streams the file at path through BLAKE3.
func File(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// Parse reads a digest in String form.
func Parse(text string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// Binary is one digested executable.
type Binary struct {
	Name   string
	Path   string
	Digest Digest
}

// Inventory digests each path, keyed by name, in the order given.
// It stops at the first file that cannot be read.
func Inventory(names []string, paths map[string]string) ([]Binary, error) {
	binaries := make([]Binary, 0, len(names))
	for _, name := range names {
		path, ok := paths[name]
		if !ok {
			return nil, fmt.Errorf("no path for %s", name)
		}
		digest, err := File(path)
		if err != nil {
			return nil, err
		}
		binaries = append(binaries, Binary{Name: name, Path: path, Digest: digest})
	}
	return binaries, nil
}
