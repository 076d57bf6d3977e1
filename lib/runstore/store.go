// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runstore is the coordinator's registry of runs and the
// reaper that evicts expired ones.
package runstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/run"
)

var (
	// ErrNotFound is returned for unknown run IDs.
	ErrNotFound = errors.New("run not found")

	// ErrExists is returned when adding a run whose ID is taken.
	ErrExists = errors.New("run already exists")
)

// TombstoneLimit is how many removed runs the store remembers so a
// repeated destroy can still be answered.
const TombstoneLimit = 4096

// Store holds every run the coordinator knows about. One mutex guards
// the whole registry: admission checks and registration happen under
// it together.
type Store struct {
	mu   sync.Mutex
	runs map[string]*run.Run

	// tombstones holds removed runs, oldest first in buried.
	tombstones map[string]*run.Run
	buried     []string
	limit      int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		runs:       make(map[string]*run.Run),
		tombstones: make(map[string]*run.Run),
		limit:      TombstoneLimit,
	}
}

// Add registers r if admit accepts the counts of live runs for r's
// owner. Nothing is registered when admit fails.
func (s *Store) Add(r *run.Run, admit func(admission.Counts) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("%s: %w", r.ID, ErrExists)
	}
	if admit != nil {
		if err := admit(s.countsLocked(r.Owner)); err != nil {
			return err
		}
	}
	s.runs[r.ID] = r
	return nil
}

// Get returns the run with id.
func (s *Store) Get(id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return r, nil
}

// List returns every run, oldest first.
func (s *Store) List() []*run.Run {
	return s.collect(func(*run.Run) bool { return true })
}

// ListOwnedBy returns owner's runs, oldest first.
func (s *Store) ListOwnedBy(owner string) []*run.Run {
	return s.collect(func(r *run.Run) bool { return r.Owner == owner })
}

func (s *Store) collect(keep func(*run.Run) bool) []*run.Run {
	s.mu.Lock()
	runs := make([]*run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if keep(r) {
			runs = append(runs, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Created.Equal(runs[j].Created) {
			return runs[i].Created.Before(runs[j].Created)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs
}

// Remove drops id from the store and keeps a tombstone for it. It
// reports whether id was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false
	}
	delete(s.runs, id)
	s.buryLocked(r)
	return true
}

func (s *Store) buryLocked(r *run.Run) {
	if _, exists := s.tombstones[r.ID]; exists {
		return
	}
	s.tombstones[r.ID] = r
	s.buried = append(s.buried, r.ID)
	for len(s.buried) > s.limit {
		delete(s.tombstones, s.buried[0])
		s.buried = s.buried[1:]
	}
}

// Removed returns a run that was removed recently. Only the last
// TombstoneLimit removals are remembered.
func (s *Store) Removed(id string) (*run.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tombstones[id]
	return r, ok
}

// Len returns the number of registered runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Counts returns the number of non-destroyed runs overall and owned by
// owner.
func (s *Store) Counts(owner string) admission.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked(owner)
}

func (s *Store) countsLocked(owner string) admission.Counts {
	var counts admission.Counts
	for _, r := range s.runs {
		if r.State() == run.Destroyed {
			continue
		}
		counts.Total++
		if r.Owner == owner {
			counts.Owned++
		}
	}
	return counts
}

// StateCounts returns how many runs are in each state.
func (s *Store) StateCounts() map[run.State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[run.State]int)
	for _, r := range s.runs {
		counts[r.State()]++
	}
	return counts
}

// Expired snapshots the runs whose deadline has passed at now.
func (s *Store) Expired(now time.Time) []*run.Run {
	return s.collect(func(r *run.Run) bool { return r.Expired(now) })
}
