// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type sampleRequest struct {
	Action string `cbor:"action"`
	RunID  string `cbor:"run_id,omitempty"`
	Offset int64  `cbor:"offset"`
}

type phase int

func (p phase) MarshalText() ([]byte, error) {
	return []byte([]string{"idle", "busy"}[p]), nil
}

func (p *phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*p = 0
	case "busy":
		*p = 1
	}
	return nil
}

func TestMarshalDeterministic(t *testing.T) {
	first, err := Marshal(map[string]any{"b": 1, "a": 2, "c": "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(map[string]any{"c": "x", "a": 2, "b": 1})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs: %x vs %x", first, again)
		}
	}
}

func TestUntypedMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(sampleRequest{Action: "file.read", RunID: "r1", Offset: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if fields["action"] != "file.read" {
		t.Errorf("action = %v", fields["action"])
	}
}

func TestTextMarshalerEncodesAsString(t *testing.T) {
	type envelope struct {
		Phase phase `cbor:"phase"`
	}
	data, err := Marshal(envelope{Phase: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"busy"`) {
		t.Errorf("diagnostic %s does not contain the text form", diagnostic)
	}
	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Phase != 1 {
		t.Errorf("Phase = %d, want 1", decoded.Phase)
	}
}

func TestStreamCarriesSequentialValues(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, action := range []string{"bind", "lookup", "unbind"} {
		if err := encoder.Encode(sampleRequest{Action: action}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	decoder := NewDecoder(&buffer)
	for _, want := range []string{"bind", "lookup", "unbind"} {
		var got sampleRequest
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Action != want {
			t.Errorf("Action = %q, want %q", got.Action, want)
		}
	}
}

func TestTextFormIsArgvSafe(t *testing.T) {
	original := struct {
		Address string    `cbor:"address"`
		Port    int       `cbor:"port"`
		Created time.Time `cbor:"created"`
	}{"127.0.0.1", 1099, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	text, err := MarshalText(original)
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if strings.ContainsAny(text, " \t\n=+/") {
		t.Errorf("text form %q contains characters unsafe for argv", text)
	}

	decoded := original
	decoded.Address, decoded.Port, decoded.Created = "", 0, time.Time{}
	if err := UnmarshalText(text, &decoded); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded.Address != original.Address || decoded.Port != original.Port || !decoded.Created.Equal(original.Created) {
		t.Errorf("decoded %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalTextRejectsGarbage(t *testing.T) {
	var target sampleRequest
	if err := UnmarshalText("not base64!!", &target); err == nil {
		t.Fatal("expected an error for invalid base64")
	}
}
