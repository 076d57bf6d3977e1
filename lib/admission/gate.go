// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"container/list"
	"context"
	"sync"
)

// Gate is a counting semaphore that serves waiters in arrival order.
// A limit of zero admits everyone. The limit may change at any time.
type Gate struct {
	mu      sync.Mutex
	limit   int
	held    int
	waiters list.List // of chan struct{}
}

// NewGate returns a gate admitting limit holders at once.
func NewGate(limit int) *Gate {
	return &Gate{limit: limit}
}

func (g *Gate) availableLocked() bool {
	return g.limit <= 0 || g.held < g.limit
}

// Acquire takes a slot, blocking until one is free. A later caller
// never overtakes an earlier one. If ctx is cancelled first, Acquire
// leaves the queue without a slot and returns ctx.Err().
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if g.waiters.Len() == 0 && g.availableLocked() {
		g.held++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	element := g.waiters.PushBack(ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-ready:
		// Granted while we were cancelling: hand the slot on.
		g.held--
	default:
		g.waiters.Remove(element)
	}
	g.wakeLocked()
	return ctx.Err()
}

// TryAcquire takes a slot only if one is free and nobody is waiting.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters.Len() == 0 && g.availableLocked() {
		g.held++
		return true
	}
	return false
}

// Release returns a slot taken by Acquire or TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == 0 {
		panic("admission: Gate.Release without a held slot")
	}
	g.held--
	g.wakeLocked()
}

// Resize changes the limit. Raising it admits queued waiters at once;
// lowering it below the number of holders only stops new grants.
func (g *Gate) Resize(limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.wakeLocked()
}

func (g *Gate) wakeLocked() {
	for g.waiters.Len() > 0 && g.availableLocked() {
		front := g.waiters.Front()
		g.waiters.Remove(front)
		g.held++
		close(front.Value.(chan struct{}))
	}
}

// Held returns the number of slots in use.
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Waiting returns the number of queued callers.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
