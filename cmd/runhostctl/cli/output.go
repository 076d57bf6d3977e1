// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/spf13/pflag"
)

// ExitError makes the process exit with Code without printing
// anything further; the command has already reported.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit code %d", e.Code) }

// ExitCode is checked by main to tell a handled non-zero exit from an
// error to print.
func (e *ExitError) ExitCode() int { return e.Code }

// JSONOutput adds a --json flag to a command.
type JSONOutput struct {
	Enabled bool
}

// Register adds --json to flagSet.
func (j *JSONOutput) Register(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&j.Enabled, "json", false, "output as JSON")
}

// Emit writes value as JSON to w when --json was given and reports
// whether it did. Nil slices are written as [].
func (j *JSONOutput) Emit(w io.Writer, value any) (bool, error) {
	if !j.Enabled {
		return false, nil
	}
	return true, WriteJSON(w, normalizeNilSlice(value))
}

// WriteJSON writes value as indented JSON.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}
