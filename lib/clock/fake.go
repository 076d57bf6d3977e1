// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time stands still until Advance
// is called; pending timers, tickers and sleeps fire in deadline order
// as the clock passes them. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingWait
	changed *sync.Cond
}

type pendingWait struct {
	deadline time.Time
	channel  chan time.Time
	// period is non-zero for tickers, which are rearmed after firing.
	period time.Duration
	done   bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C
}

func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return &Timer{C: channel, stop: func() bool { return false }}
	}
	wait := c.addLocked(d, channel, 0)
	return &Timer{C: channel, stop: func() bool { return c.cancel(wait) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	wait := c.addLocked(d, channel, d)
	return &Ticker{C: channel, stop: func() { c.cancel(wait) }}
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

func (c *FakeClock) addLocked(d time.Duration, channel chan time.Time, period time.Duration) *pendingWait {
	wait := &pendingWait{deadline: c.now.Add(d), channel: channel, period: period}
	c.pending = append(c.pending, wait)
	c.changed.Broadcast()
	return wait
}

func (c *FakeClock) cancel(wait *pendingWait) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait.done {
		return false
	}
	wait.done = true
	c.removeLocked(wait)
	return true
}

func (c *FakeClock) removeLocked(wait *pendingWait) {
	for i, candidate := range c.pending {
		if candidate == wait {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.changed.Broadcast()
			return
		}
	}
}

// Advance moves the clock forward by d, firing every wait whose
// deadline is at or before the new time. A ticker spanning several
// periods fires once per period; ticks that do not fit in its
// one-slot buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now

	for {
		var due []*pendingWait
		for _, wait := range c.pending {
			if !wait.deadline.After(target) {
				due = append(due, wait)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, wait := range due {
			select {
			case wait.channel <- wait.deadline:
			default:
			}
			if wait.period > 0 {
				wait.deadline = wait.deadline.Add(wait.period)
				continue
			}
			wait.done = true
			c.removeLocked(wait)
		}
	}
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n waits are pending. Call it
// before Advance to avoid racing a goroutine that has not armed its
// timer yet.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of waits that have not fired or
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
