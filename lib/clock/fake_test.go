// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	clock := Fake(epoch)
	clock.Advance(90 * time.Second)
	if got, want := clock.Now(), epoch.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestFakeTimerFiresAtDeadline(t *testing.T) {
	clock := Fake(epoch)
	timer := clock.NewTimer(5 * time.Second)

	clock.Advance(4 * time.Second)
	select {
	case <-timer.C:
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Second)
	select {
	case fired := <-timer.C:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fire time = %v", fired)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after firing, want 0", clock.PendingCount())
	}
}

func TestFakeTimerStop(t *testing.T) {
	clock := Fake(epoch)
	timer := clock.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	if clock.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", clock.PendingCount())
	}
	clock.Advance(time.Minute)
	select {
	case <-timer.C:
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	clock := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-clock.After(d):
		default:
			t.Errorf("After(%v) not immediately ready", d)
		}
	}
}

func TestFakeTickerRearms(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		clock.Advance(10 * time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	if clock.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 (the ticker)", clock.PendingCount())
	}
}

func TestFakeTickerDropsWhenBehind(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(5 * time.Second)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("ticks were queued instead of dropped")
	default:
	}
}

func TestFakeSleepWaitsForAdvance(t *testing.T) {
	clock := Fake(epoch)
	woke := make(chan struct{})
	go func() {
		clock.Sleep(time.Minute)
		close(woke)
	}()

	clock.WaitForTimers(1)
	select {
	case <-woke:
		t.Fatal("Sleep returned before Advance")
	default:
	}
	clock.Advance(time.Minute)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	late := clock.NewTimer(3 * time.Second)
	early := clock.NewTimer(time.Second)

	clock.Advance(5 * time.Second)
	earlyAt := <-early.C
	lateAt := <-late.C
	if !earlyAt.Before(lateAt) {
		t.Errorf("early fired at %v, late at %v", earlyAt, lateAt)
	}
}
