// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunk frames byte ranges for transfer between worker and
// coordinator: each frame is compressed with whichever of zstd or LZ4
// pays off for its contents, and carries a BLAKE3 digest of the
// uncompressed bytes so the receiver can detect corruption.
package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression identifies a frame's encoding. Values are wire
// constants.
type Compression uint8

const (
	None Compression = 0
	LZ4  Compression = 1
	Zstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ErrDigestMismatch is returned by Unpack when the decoded bytes do
// not hash to the frame's digest.
var ErrDigestMismatch = errors.New("chunk digest mismatch")

// Frame is one transferred chunk.
type Frame struct {
	Compression Compression `cbor:"compression"`
	Size        int         `cbor:"size"`
	Digest      []byte      `cbor:"digest"`
	Data        []byte      `cbor:"data"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunk: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunk: zstd decoder initialization failed: " + err.Error())
	}
}

// Digest returns the BLAKE3-256 digest of data.
func Digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// Select probes data with zstd and picks an encoding: zstd when it
// saves a third or more, LZ4 when it saves at least a tenth, and None
// otherwise.
func Select(data []byte) Compression {
	if len(data) < 64 {
		return None
	}
	probe := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(probe))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

// Pack frames data with the encoding Select chooses. If the chosen
// encoding turns out not to shrink the data, the frame is stored
// uncompressed.
func Pack(data []byte) (Frame, error) {
	return PackWith(data, Select(data))
}

// PackWith frames data with a specific encoding, falling back to None
// when compression would not reduce the size.
func PackWith(data []byte, compression Compression) (Frame, error) {
	frame := Frame{Compression: compression, Size: len(data), Digest: Digest(data)}
	switch compression {
	case None:
		frame.Data = data
		return frame, nil
	case LZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			frame.Compression, frame.Data = None, data
			return frame, nil
		}
		frame.Data = destination[:written]
		return frame, nil
	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			frame.Compression, frame.Data = None, data
			return frame, nil
		}
		frame.Data = compressed
		return frame, nil
	default:
		return Frame{}, fmt.Errorf("unsupported compression %v", compression)
	}
}

// Unpack decodes the frame and verifies its size and digest.
func (f Frame) Unpack() ([]byte, error) {
	var data []byte
	switch f.Compression {
	case None:
		data = f.Data
	case LZ4:
		data = make([]byte, f.Size)
		read, err := lz4.UncompressBlock(f.Data, data)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		data = data[:read]
	case Zstd:
		var err error
		data, err = zstdDecoder.DecodeAll(f.Data, make([]byte, 0, f.Size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %v", f.Compression)
	}

	if len(data) != f.Size {
		return nil, fmt.Errorf("%v frame decoded to %d bytes, expected %d", f.Compression, len(data), f.Size)
	}
	if !bytes.Equal(Digest(data), f.Digest) {
		return nil, ErrDigestMismatch
	}
	return data, nil
}
