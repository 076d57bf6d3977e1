// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/identity"
	"github.com/runhost/runhost/lib/notify"
	"github.com/runhost/runhost/lib/testutil"
)

func TestLifecycle(t *testing.T) {
	h := newHarness(t, harnessOptions{operatingLimit: 2})
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)
	r := newTestRun("run-1", expiry)

	if err := h.supervisor.Start(ctx, r); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != Operating {
		t.Fatalf("state after Start = %s", r.State())
	}
	if h.gate.Held() != 1 {
		t.Errorf("gate held = %d after Start, want 1", h.gate.Held())
	}
	worker := r.Worker()
	if worker == nil || !worker.Live || worker.Token == "" || worker.PID != h.launcher.last().PID() {
		t.Fatalf("worker handle = %+v", worker)
	}
	if got := h.launcher.accounts; !slices.Equal(got, []string{"rh_worker"}) {
		t.Errorf("launched as %v", got)
	}
	if len(h.worker.started) != 1 || !h.worker.started[0].Deadline.Equal(expiry) || h.worker.started[0].RunID != "run-1" {
		t.Errorf("start requests = %+v", h.worker.started)
	}

	if err := h.supervisor.Stop(ctx, r); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.gate.Held() != 0 {
		t.Errorf("gate held = %d after Stop, want 0", h.gate.Held())
	}
	if err := h.supervisor.Resume(ctx, r); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := h.supervisor.Complete(ctx, r, 4); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if code, ok := r.ExitCode(); !ok || code != 4 {
		t.Errorf("ExitCode = %d, %v", code, ok)
	}
	if h.gate.Held() != 0 {
		t.Errorf("gate held = %d after completion, want 0", h.gate.Held())
	}

	// Finished runs keep their worker for file retrieval.
	if _, err := h.supervisor.EnsureWorker(ctx, r); err != nil {
		t.Errorf("EnsureWorker on a finished run: %v", err)
	}

	if err := h.supervisor.Destroy(ctx, r); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := h.supervisor.Destroy(ctx, r); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}

	want := []State{Initialized, Operating, Stopped, Operating, Finished, Destroyed}
	if got := r.History(); !slices.Equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	if !slices.Contains(h.worker.callList(), "destroy") {
		t.Errorf("worker calls = %v, want a destroy", h.worker.callList())
	}
	if !hasSignal(h.launcher.last(), unix.SIGTERM) {
		t.Error("worker process was not sent SIGTERM on destroy")
	}
	if r.Worker().Live {
		t.Error("worker still live after destroy")
	}
	if got := h.notifier.kinds(); !slices.Equal(got, []notify.Kind{notify.RunStarted, notify.RunFinished}) {
		t.Errorf("notifications = %v", got)
	}
}

func TestStartupTimeoutFinishesRun(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	timing := Timing{
		StartupInterval: time.Second,
		StartupTimeout:  30 * time.Second,
		GracePeriod:     10 * time.Second,
		MonitorInterval: time.Minute,
	}
	h := newHarness(t, harnessOptions{clock: fake, timing: timing, silent: true})
	r := newTestRun("run-timeout", fake.Now().Add(time.Hour))

	result := make(chan error, 1)
	go func() { result <- h.supervisor.Start(context.Background(), r) }()

	// The poll deadline plus the first retry interval.
	fake.WaitForTimers(2)
	fake.Advance(timing.StartupTimeout)

	err := testutil.RequireReceive(t, result, 5*time.Second, "Start result")
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("Start err = %v, want ErrStartupFailed", err)
	}
	if r.State() != Finished {
		t.Errorf("state = %s, want finished", r.State())
	}
	failure := r.Failure()
	if failure == nil || failure.Kind != StartupFailed {
		t.Fatalf("failure = %+v", failure)
	}
	if !failure.At.Equal(fake.Now()) {
		t.Errorf("failure recorded at %v, want %v", failure.At, fake.Now())
	}
	if !hasSignal(h.launcher.last(), unix.SIGTERM) {
		t.Error("half-started worker was not sent SIGTERM")
	}
	if h.gate.Held() != 0 {
		t.Errorf("gate held = %d", h.gate.Held())
	}

	if err := h.supervisor.Start(context.Background(), r); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("restart of a failed run: err = %v", err)
	}
	if err := h.supervisor.Destroy(context.Background(), r); err != nil {
		t.Errorf("Destroy after startup failure: %v", err)
	}
}

func TestStubbornWorkerIsKilled(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	timing := Timing{
		StartupInterval: time.Second,
		StartupTimeout:  5 * time.Second,
		GracePeriod:     10 * time.Second,
		MonitorInterval: time.Minute,
	}
	h := newHarness(t, harnessOptions{clock: fake, timing: timing})
	r := newTestRun("run-stubborn", fake.Now().Add(time.Hour))
	if _, err := h.supervisor.EnsureWorker(context.Background(), r); err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	process := h.launcher.last()
	process.mu.Lock()
	process.ignoreTerm = true
	process.mu.Unlock()

	result := make(chan error, 1)
	go func() { result <- h.supervisor.Destroy(context.Background(), r) }()

	// Keep time moving until the grace period after SIGTERM runs out.
	waitFor(t, "SIGTERM", func() bool { return hasSignal(process, unix.SIGTERM) })
	waitFor(t, "SIGKILL", func() bool {
		fake.Advance(timing.GracePeriod)
		return hasSignal(process, unix.SIGKILL)
	})

	if err := testutil.RequireReceive(t, result, 5*time.Second, "Destroy result"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !hasSignal(process, unix.SIGKILL) {
		t.Error("worker ignoring SIGTERM was not killed")
	}
	if r.State() != Destroyed {
		t.Errorf("state = %s", r.State())
	}
}

func TestDestroyCancelsStartup(t *testing.T) {
	h := newHarness(t, harnessOptions{silent: true, timing: Timing{
		StartupInterval: time.Millisecond,
		StartupTimeout:  time.Minute,
		GracePeriod:     time.Second,
		MonitorInterval: time.Hour,
	}})
	h.launcher.launchedC = make(chan *fakeProcess, 1)
	r := newTestRun("run-destroy-early", time.Now().Add(time.Hour))

	result := make(chan error, 1)
	go func() { result <- h.supervisor.Start(context.Background(), r) }()
	process := testutil.RequireReceive(t, h.launcher.launchedC, 5*time.Second, "launch")

	if err := h.supervisor.Destroy(context.Background(), r); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "Start result"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start err = %v, want ErrDestroyed", err)
	}
	if r.State() != Destroyed {
		t.Errorf("state = %s", r.State())
	}
	if !hasSignal(process, unix.SIGTERM) {
		t.Error("starting worker was not terminated")
	}
	if r.Failure() != nil {
		t.Errorf("destroyed run recorded a failure: %+v", r.Failure())
	}
}

func TestDestroyCancelsSlotWait(t *testing.T) {
	h := newHarness(t, harnessOptions{operatingLimit: 1})
	ctx := context.Background()

	first := newTestRun("run-a", time.Now().Add(time.Hour))
	if err := h.supervisor.Start(ctx, first); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second := newTestRun("run-b", time.Now().Add(time.Hour))
	result := make(chan error, 1)
	go func() { result <- h.supervisor.Start(ctx, second) }()
	waitFor(t, "second run to queue for a slot", func() bool { return h.gate.Waiting() == 1 })

	if err := h.supervisor.Destroy(ctx, second); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "Start result"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Start err = %v, want ErrDestroyed", err)
	}
	if h.gate.Held() != 1 || h.gate.Waiting() != 0 {
		t.Errorf("gate held=%d waiting=%d, want 1 and 0", h.gate.Held(), h.gate.Waiting())
	}
}

func TestOperatingLimitIsBackpressure(t *testing.T) {
	h := newHarness(t, harnessOptions{operatingLimit: 1})
	ctx := context.Background()

	first := newTestRun("run-a", time.Now().Add(time.Hour))
	if err := h.supervisor.Start(ctx, first); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second := newTestRun("run-b", time.Now().Add(time.Hour))
	result := make(chan error, 1)
	go func() { result <- h.supervisor.Start(ctx, second) }()
	waitFor(t, "second run to queue for a slot", func() bool { return h.gate.Waiting() == 1 })
	if second.State() != Initialized {
		t.Fatalf("queued run state = %s", second.State())
	}

	if err := h.supervisor.Stop(ctx, first); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second, "Start result"); err != nil {
		t.Fatalf("queued Start: %v", err)
	}
	if second.State() != Operating {
		t.Errorf("second state = %s", second.State())
	}

	// Resuming the first now waits for the second to give up its slot.
	resumed := make(chan error, 1)
	go func() { resumed <- h.supervisor.Resume(ctx, first) }()
	waitFor(t, "resume to queue for a slot", func() bool { return h.gate.Waiting() == 1 })
	if err := h.supervisor.Complete(ctx, second, 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := testutil.RequireReceive(t, resumed, 5*time.Second, "Resume result"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if first.State() != Operating {
		t.Errorf("first state = %s", first.State())
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	r := newTestRun("run-1", time.Now().Add(time.Hour))

	if err := h.supervisor.Stop(ctx, r); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Stop of initialized run: err = %v", err)
	}
	if err := h.supervisor.Resume(ctx, r); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume of initialized run: err = %v", err)
	}
	if err := h.supervisor.Start(ctx, r); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.supervisor.Start(ctx, r); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Start: err = %v", err)
	}
	if err := h.supervisor.Destroy(ctx, r); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	for name, operation := range map[string]func(context.Context, *Run) error{
		"start":  h.supervisor.Start,
		"stop":   h.supervisor.Stop,
		"resume": h.supervisor.Resume,
	} {
		if err := operation(ctx, r); !errors.Is(err, ErrDestroyed) {
			t.Errorf("%s after destroy: err = %v, want ErrDestroyed", name, err)
		}
	}
	if _, err := h.supervisor.EnsureWorker(ctx, r); !errors.Is(err, ErrDestroyed) {
		t.Errorf("EnsureWorker after destroy: err = %v", err)
	}
	if err := r.SetExpiry(time.Now()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("SetExpiry after destroy: err = %v", err)
	}
}

func TestStopUnsupported(t *testing.T) {
	h := newHarness(t, harnessOptions{operatingLimit: 1})
	h.worker.set(func(w *fakeWorker) { w.stopErr = ErrUnsupported })
	ctx := context.Background()
	r := newTestRun("run-1", time.Now().Add(time.Hour))
	if err := h.supervisor.Start(ctx, r); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.supervisor.Stop(ctx, r); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Stop err = %v, want ErrUnsupported", err)
	}
	if r.State() != Operating || h.gate.Held() != 1 {
		t.Errorf("state = %s, held = %d; want operating with its slot", r.State(), h.gate.Held())
	}
}

func TestUnmappedPrincipalFailsStartup(t *testing.T) {
	mapper, err := identity.NewStatic(map[string]string{"bob": "rh_bob"}, "")
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, harnessOptions{identity: mapper})
	r := newTestRun("run-1", time.Now().Add(time.Hour))
	if err := h.supervisor.Start(context.Background(), r); !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("Start err = %v, want ErrStartupFailed", err)
	}
	if h.launcher.last() != nil {
		t.Error("a worker was launched for an unmapped principal")
	}
	if failure := r.Failure(); failure == nil || failure.Kind != StartupFailed {
		t.Errorf("failure = %+v", failure)
	}
}

func TestLaunchFailureFailsStartup(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.launcher.err = errors.New("sudo: no tty present")
	r := newTestRun("run-1", time.Now().Add(time.Hour))
	if _, err := h.supervisor.EnsureWorker(context.Background(), r); !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("EnsureWorker err = %v", err)
	}
	if r.State() != Finished {
		t.Errorf("state = %s", r.State())
	}
}

func TestWorkerDialedAsLaunchedAccount(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	r := newTestRun("run-account", time.Now().Add(time.Hour))
	worker, err := h.supervisor.EnsureWorker(context.Background(), r)
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	if worker.UID != fakeWorkerUID {
		t.Errorf("WorkerHandle.UID = %d, want %d", worker.UID, fakeWorkerUID)
	}
	dialed := h.dialed()
	if len(dialed) == 0 {
		t.Fatal("worker was never dialed")
	}
	for _, uid := range dialed {
		if uid != fakeWorkerUID {
			t.Errorf("dialed expecting uid %d, want %d", uid, fakeWorkerUID)
		}
	}
}
