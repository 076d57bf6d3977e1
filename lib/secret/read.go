// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// ErrEmpty is returned when a secret source holds no usable bytes.
var ErrEmpty = errors.New("secret is empty")

// ReadFirstLine reads the first line of the file at path into a
// protected buffer. Surrounding whitespace, including a trailing
// carriage return, is trimmed. Lines after the first are ignored and
// zeroed along with the rest of the file contents.
func ReadFirstLine(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer Zero(data)

	line := data
	if index := bytes.IndexByte(data, '\n'); index >= 0 {
		line = data[:index]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}
	return NewFromBytes(line)
}
