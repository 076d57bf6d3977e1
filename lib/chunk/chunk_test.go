// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestSelect(t *testing.T) {
	text := []byte(strings.Repeat("timestamp=2026-01-01 level=info msg=step complete\n", 200))
	random := make([]byte, 16384)
	rand.Read(random)

	if got := Select(text); got != Zstd {
		t.Errorf("Select(log text) = %v, want zstd", got)
	}
	if got := Select(random); got != None {
		t.Errorf("Select(random) = %v, want none", got)
	}
	if got := Select([]byte("tiny")); got != None {
		t.Errorf("Select(tiny) = %v, want none", got)
	}
}

func TestPackUnpack(t *testing.T) {
	text := []byte(strings.Repeat("abcdefgh", 4096))
	random := make([]byte, 4096)
	rand.Read(random)

	for _, compression := range []Compression{None, LZ4, Zstd} {
		for name, data := range map[string][]byte{"text": text, "random": random, "empty": {}} {
			frame, err := PackWith(data, compression)
			if err != nil {
				t.Fatalf("%v/%s: PackWith: %v", compression, name, err)
			}
			if name == "random" && frame.Compression != None {
				t.Errorf("%v/%s: incompressible data stored as %v", compression, name, frame.Compression)
			}
			if name == "text" && compression != None && len(frame.Data) >= len(data) {
				t.Errorf("%v/%s: frame did not shrink (%d bytes)", compression, name, len(frame.Data))
			}
			got, err := frame.Unpack()
			if err != nil {
				t.Fatalf("%v/%s: Unpack: %v", compression, name, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("%v/%s: data changed in transit", compression, name)
			}
		}
	}
}

func TestUnpackDetectsCorruption(t *testing.T) {
	frame, err := PackWith([]byte("results line one\nresults line two\n"), None)
	if err != nil {
		t.Fatalf("PackWith: %v", err)
	}
	frame.Data = append([]byte{}, frame.Data...)
	frame.Data[0] ^= 0xff
	if _, err := frame.Unpack(); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Unpack of corrupted frame = %v, want ErrDigestMismatch", err)
	}

	frame.Size++
	if _, err := frame.Unpack(); err == nil {
		t.Error("Unpack accepted a size mismatch")
	}
}
