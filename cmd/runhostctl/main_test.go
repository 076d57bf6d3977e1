// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/coordinator"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/testutil"
)

var createdAt = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

// stubCoordinator answers a few API actions with canned results and
// remembers the last create request.
type stubCoordinator struct {
	target handle.Handle

	mu         sync.Mutex
	lastCreate map[string]any
}

func (s *stubCoordinator) created() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCreate
}

func newStubCoordinator(t *testing.T) *stubCoordinator {
	t.Helper()
	listener, minted, err := handle.ListenUnix(filepath.Join(testutil.SocketDir(t), "api.sock"))
	if err != nil {
		t.Fatal(err)
	}
	stub := &stubCoordinator{target: minted}
	server := remote.NewServer(listener, minted.Namespace, testutil.Logger(t))

	server.Handle(coordinator.ActionRunList, func(context.Context, []byte) (any, error) {
		return coordinator.RunList{Runs: []run.Snapshot{
			{ID: "run-a", Owner: "alice", Workflow: "wf/align", State: run.Operating, Created: createdAt, Expiry: createdAt.Add(time.Hour)},
			{ID: "run-b", Owner: "alice", Workflow: "wf/sort", State: run.Initialized, Created: createdAt, Expiry: createdAt.Add(time.Hour)},
		}}, nil
	})
	server.Handle(coordinator.ActionRunCreate, func(_ context.Context, raw []byte) (any, error) {
		var request map[string]any
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		stub.mu.Lock()
		stub.lastCreate = request
		stub.mu.Unlock()
		workflow, _ := request["workflow"].(string)
		return run.Snapshot{ID: "run-new", Owner: "alice", Workflow: workflow, State: run.Initialized, Created: createdAt, Expiry: createdAt.Add(time.Hour)}, nil
	})
	server.Handle(coordinator.ActionQuotaGet, func(context.Context, []byte) (any, error) {
		return admission.Quota{Global: 10, DefaultPerUser: 2, PerUser: map[string]int{"bob": 5}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "stub coordinator shutdown")
	})
	return stub
}

func newTestApp(stub *stubCoordinator, stdin string) (*app, *bytes.Buffer) {
	var stdout bytes.Buffer
	a := &app{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &bytes.Buffer{}}
	if stub != nil {
		a.dial = func(c connection) (*coordinator.Client, error) {
			client := coordinator.NewClient(stub.target)
			client.Principal = c.principal
			return client, nil
		}
	}
	return a, &stdout
}

func TestRunList(t *testing.T) {
	stub := newStubCoordinator(t)
	a, stdout := newTestApp(stub, "")
	if err := a.root().Execute([]string{"run", "list"}); err != nil {
		t.Fatalf("run list: %v", err)
	}
	output := stdout.String()
	for _, want := range []string{"run-a", "wf/sort", "operating", "initialized"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestRunListJSON(t *testing.T) {
	stub := newStubCoordinator(t)
	a, stdout := newTestApp(stub, "")
	if err := a.root().Execute([]string{"run", "list", "--json"}); err != nil {
		t.Fatalf("run list --json: %v", err)
	}
	var runs []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &runs); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if len(runs) != 2 || runs[0]["State"] != "operating" {
		t.Errorf("runs = %v", runs)
	}
}

func TestRunCreateSendsCredentials(t *testing.T) {
	stub := newStubCoordinator(t)
	a, stdout := newTestApp(stub, "")
	err := a.root().Execute([]string{"run", "create", "--as", "alice", "--credential", "API_TOKEN=abc=def", "wf/align"})
	if err != nil {
		t.Fatalf("run create: %v", err)
	}
	request := stub.created()
	if request["principal"] != "alice" {
		t.Errorf("principal = %v", request["principal"])
	}
	credentials, _ := request["credentials"].(map[string]any)
	if credentials["API_TOKEN"] != "abc=def" {
		t.Errorf("credentials = %v", request["credentials"])
	}
	if !strings.Contains(stdout.String(), "run-new") {
		t.Errorf("output = %q", stdout.String())
	}

	if err := a.root().Execute([]string{"run", "create", "--credential", "novalue", "wf"}); err == nil {
		t.Error("malformed credential accepted")
	}
	if err := a.root().Execute([]string{"run", "create"}); err == nil {
		t.Error("missing workflow accepted")
	}
}

func TestQuotaGet(t *testing.T) {
	stub := newStubCoordinator(t)
	a, stdout := newTestApp(stub, "")
	if err := a.root().Execute([]string{"quota", "get"}); err != nil {
		t.Fatalf("quota get: %v", err)
	}
	output := stdout.String()
	if !strings.Contains(output, "unbounded") || !strings.Contains(output, "bob") {
		t.Errorf("output = %q", output)
	}
}

func TestHandleDecode(t *testing.T) {
	original := handle.Handle{Network: "tcp", Address: "127.0.0.1", Port: 4100, Namespace: "ns-1"}
	text, err := original.Text()
	if err != nil {
		t.Fatal(err)
	}
	a, stdout := newTestApp(nil, "")
	if err := a.root().Execute([]string{"handle", "decode", text}); err != nil {
		t.Fatalf("handle decode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["endpoint"] != "127.0.0.1:4100" || decoded["namespace"] != "ns-1" {
		t.Errorf("decoded = %v", decoded)
	}

	var encoded bytes.Buffer
	if err := handle.Write(&encoded, original); err != nil {
		t.Fatal(err)
	}
	a, stdout = newTestApp(nil, encoded.String())
	if err := a.root().Execute([]string{"handle", "decode"}); err != nil {
		t.Fatalf("handle decode from stdin: %v", err)
	}
	if !strings.Contains(stdout.String(), "ns-1") {
		t.Errorf("stdin decode = %q", stdout.String())
	}
}

func TestSetPasswordFromStdin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escalation-password")
	a, _ := newTestApp(nil, "correct horse\nignored\n")
	if err := a.root().Execute([]string{"escalation", "set-password", "--file", path}); err != nil {
		t.Fatalf("set-password: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "correct horse\n" {
		t.Errorf("password file = %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("mode = %v, want 0600", mode)
	}

	a, _ = newTestApp(nil, "\n")
	if err := a.root().Execute([]string{"escalation", "set-password", "--file", path}); err == nil {
		t.Error("empty password accepted")
	}
}

func TestExpiryFromFlags(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got, err := expiryFromFlags(time.Hour, "", now); err != nil || !got.Equal(now.Add(time.Hour)) {
		t.Errorf("--in = %v, %v", got, err)
	}
	if got, err := expiryFromFlags(0, "2026-02-01T00:00:00Z", now); err != nil || got.Month() != time.February {
		t.Errorf("--at = %v, %v", got, err)
	}
	if _, err := expiryFromFlags(time.Hour, "2026-02-01T00:00:00Z", now); err == nil {
		t.Error("both flags accepted")
	}
	if _, err := expiryFromFlags(0, "", now); err == nil {
		t.Error("neither flag accepted")
	}
}
