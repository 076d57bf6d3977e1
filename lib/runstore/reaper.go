// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package runstore

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/run"
)

// DestroyFunc tears down one run and removes it from the store.
type DestroyFunc func(ctx context.Context, r *run.Run) error

// Reaper periodically destroys expired runs.
type Reaper struct {
	store       *Store
	destroy     DestroyFunc
	interval    time.Duration
	concurrency int
	clock       clock.Clock
	logger      *slog.Logger
}

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	// Interval between sweeps. Default one minute.
	Interval time.Duration
	// Concurrency bounds simultaneous teardowns. Default 4.
	Concurrency int
	Clock       clock.Clock
	Logger      *slog.Logger
}

// NewReaper returns a reaper that evicts expired runs from store by
// calling destroy.
func NewReaper(store *Store, destroy DestroyFunc, config ReaperConfig) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Reaper{
		store:       store,
		destroy:     destroy,
		interval:    config.Interval,
		concurrency: config.Concurrency,
		clock:       config.Clock,
		logger:      config.Logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Warn("reaper sweep incomplete", "error", err)
		}
	}
}

// Sweep destroys every run expired at the current time. The store is
// locked only while taking the snapshot; teardown happens outside it.
// It returns the number of runs destroyed and the first failure.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired := r.store.Expired(r.clock.Now())
	if len(expired) == 0 {
		return 0, nil
	}

	var group errgroup.Group
	group.SetLimit(r.concurrency)
	destroyed := make(chan struct{}, len(expired))
	for _, candidate := range expired {
		group.Go(func() error {
			if err := r.destroy(ctx, candidate); err != nil {
				r.logger.Error("evicting expired run failed", "run_id", candidate.ID, "error", err)
				return err
			}
			r.logger.Info("evicted expired run", "run_id", candidate.ID, "principal", candidate.Owner)
			destroyed <- struct{}{}
			return nil
		})
	}
	err := group.Wait()
	return len(destroyed), err
}
