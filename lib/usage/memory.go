// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"sync"
)

// MemorySink keeps decoded records in arrival order.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	notify  chan struct{}
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{notify: make(chan struct{}, 1)}
}

func (s *MemorySink) Accept(_ context.Context, encoded []byte) error {
	record, err := Decode(encoded)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Records returns a copy of everything accepted so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Accepted receives a value after each successful Accept. Bursts
// coalesce.
func (s *MemorySink) Accepted() <-chan struct{} { return s.notify }
