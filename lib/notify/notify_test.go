// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/runhost/runhost/lib/testutil"
)

type failing struct{ err error }

func (f failing) Dispatch(context.Context, Event) error { return f.err }

func TestLogDispatcher(t *testing.T) {
	var buffer testutil.SyncBuffer
	dispatcher := Log{Logger: slog.New(slog.NewJSONHandler(&buffer, nil))}

	code := 3
	event := Event{
		Kind:     RunFinished,
		RunID:    "run-1",
		Owner:    "alice",
		Workflow: "wf",
		At:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ExitCode: &code,
	}
	if err := dispatcher.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	output := buffer.String()
	for _, want := range []string{`"kind":"run.finished"`, `"run_id":"run-1"`, `"exit_code":3`} {
		if !strings.Contains(output, want) {
			t.Errorf("log output %s missing %s", output, want)
		}
	}
	if strings.Contains(output, "failure") {
		t.Errorf("empty failure was logged: %s", output)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	multi := Multi{failing{first}, Discard{}, failing{second}}
	err := multi.Dispatch(context.Background(), Event{Kind: RunStarted})
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Errorf("err = %v, want both failures", err)
	}
	if err := (Multi{Discard{}}).Dispatch(context.Background(), Event{}); err != nil {
		t.Errorf("Multi of Discard = %v", err)
	}
}
