// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/base64"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

var (
	encoding = mustEncMode()
	decoding = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	options := cbor.CoreDetEncOptions()
	// Enums such as run.State travel as their text names.
	options.TextMarshaler = cbor.TextMarshalerTextString
	options.Time = cbor.TimeRFC3339Nano
	mode, err := options.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building encode mode: %v", err))
	}
	return mode
}

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building decode mode: %v", err))
	}
	return mode
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return encoding.Marshal(v) }

// Unmarshal decodes data into v, ignoring unknown fields.
func Unmarshal(data []byte, v any) error { return decoding.Unmarshal(data, v) }

// NewEncoder writes a sequence of values to w.
func NewEncoder(w io.Writer) *cbor.Encoder { return encoding.NewEncoder(w) }

// NewDecoder reads a sequence of values from r.
func NewDecoder(r io.Reader) *cbor.Decoder { return decoding.NewDecoder(r) }

// Diagnose renders data in RFC 8949 diagnostic notation.
func Diagnose(data []byte) (string, error) { return cbor.Diagnose(data) }

// MarshalText is Marshal followed by unpadded base64url, for values
// carried in argv or the environment.
func MarshalText(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// UnmarshalText reverses MarshalText.
func UnmarshalText(text string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return fmt.Errorf("decoding base64: %w", err)
	}
	return Unmarshal(data, v)
}
