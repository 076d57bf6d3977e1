// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/testutil"
)

func TestSweepDestroysExpiredRuns(t *testing.T) {
	fake := clock.Fake(epoch)
	store := New()
	for _, id := range []string{"a", "b", "c"} {
		store.Add(run.New(id, "alice", "wf", epoch, epoch.Add(time.Minute), nil), nil)
	}
	store.Add(run.New("keep", "alice", "wf", epoch, epoch.Add(time.Hour), nil), nil)

	var (
		mu        sync.Mutex
		destroyed []string
		active    atomic.Int32
		peak      atomic.Int32
	)
	supervisor := idleSupervisor(t)
	destroy := func(ctx context.Context, r *run.Run) error {
		current := active.Add(1)
		defer active.Add(-1)
		for {
			previous := peak.Load()
			if current <= previous || peak.CompareAndSwap(previous, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		if err := supervisor.Destroy(ctx, r); err != nil {
			return err
		}
		store.Remove(r.ID)
		mu.Lock()
		destroyed = append(destroyed, r.ID)
		mu.Unlock()
		return nil
	}
	reaper := NewReaper(store, destroy, ReaperConfig{Concurrency: 2, Clock: fake, Logger: testutil.Logger(t)})

	fake.Advance(2 * time.Minute)
	count, err := reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if count != 3 || len(destroyed) != 3 {
		t.Errorf("destroyed %d runs (%v), want 3", count, destroyed)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrent teardowns = %d, want at most 2", peak.Load())
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want only the unexpired run", store.Len())
	}
	if _, err := store.Get("keep"); err != nil {
		t.Errorf("unexpired run evicted: %v", err)
	}
}

func TestSweepReportsFailures(t *testing.T) {
	fake := clock.Fake(epoch)
	store := New()
	store.Add(run.New("stuck", "alice", "wf", epoch, epoch, nil), nil)
	store.Add(run.New("fine", "alice", "wf", epoch, epoch, nil), nil)

	failure := errors.New("worker will not die")
	var attempted atomic.Int32
	reaper := NewReaper(store, func(_ context.Context, r *run.Run) error {
		attempted.Add(1)
		if r.ID == "stuck" {
			return failure
		}
		store.Remove(r.ID)
		return nil
	}, ReaperConfig{Clock: fake})

	count, err := reaper.Sweep(context.Background())
	if !errors.Is(err, failure) {
		t.Errorf("err = %v, want %v", err, failure)
	}
	if count != 1 || attempted.Load() != 2 {
		t.Errorf("count = %d attempted = %d; want 1 and 2", count, attempted.Load())
	}
}

func TestReaperRunsOnInterval(t *testing.T) {
	fake := clock.Fake(epoch)
	store := New()
	store.Add(run.New("short", "alice", "wf", epoch, epoch.Add(30*time.Second), nil), nil)

	evicted := make(chan string, 1)
	reaper := NewReaper(store, func(_ context.Context, r *run.Run) error {
		store.Remove(r.ID)
		evicted <- r.ID
		return nil
	}, ReaperConfig{Interval: time.Minute, Clock: fake})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reaper.Run(ctx)
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	if id := testutil.RequireReceive(t, evicted, 5*time.Second, "eviction"); id != "short" {
		t.Errorf("evicted %q", id)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "reaper shutdown")
}
