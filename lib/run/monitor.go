// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"fmt"
	"time"

	"github.com/runhost/runhost/lib/launch"
)

// startMonitor watches r's worker until the run is destroyed. Caller
// holds the transition lock.
func (s *Supervisor) startMonitor(r *Run, process launch.Process, client WorkerClient) {
	done := make(chan struct{})
	r.monitor = done
	go func() {
		defer close(done)
		s.monitor(r, process, client)
	}()
}

// monitor probes the worker every MonitorInterval. It finishes the run
// when the worker reports completion, when the run's deadline passes,
// when the worker process exits, or when too many probes in a row go
// unanswered. A worker-reported pause stops an Operating run.
func (s *Supervisor) monitor(r *Run, process launch.Process, client WorkerClient) {
	ticker := s.clock.NewTicker(s.timing.MonitorInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-r.life.Done():
			return
		case <-process.Exited():
			s.workerExited(r, process)
			return
		case <-ticker.C:
		}

		if r.Expired(s.clock.Now()) {
			s.expire(r)
			continue
		}
		switch r.State() {
		case Initialized, Operating, Stopped:
		default:
			continue
		}

		var status WorkerStatus
		err := s.call(r.life, func(ctx context.Context) error {
			var err error
			status, err = client.Status(ctx)
			return err
		})
		if err != nil {
			if r.life.Err() != nil {
				return
			}
			failures++
			s.logger.Debug("worker status probe failed", "run_id", r.ID, "failures", failures, "error", err)
			if failures > s.timing.ProbeFailures {
				s.lose(r, fmt.Sprintf("worker did not answer %d status probes: %v", failures, err))
			}
			continue
		}
		failures = 0
		s.observe(r, status)
	}
}

// lockFromMonitor takes r's transition lock unless r is destroyed
// first.
func (s *Supervisor) lockFromMonitor(r *Run) (func(), bool) {
	select {
	case r.opLock <- struct{}{}:
	case <-r.life.Done():
		return nil, false
	}
	if r.life.Err() != nil {
		<-r.opLock
		return nil, false
	}
	return func() { <-r.opLock }, true
}

func (s *Supervisor) observe(r *Run, status WorkerStatus) {
	switch status.Phase {
	case PhaseCompleted:
		unlock, ok := s.lockFromMonitor(r)
		if !ok {
			return
		}
		defer unlock()
		s.completeLocked(r, status.ExitCode)

	case PhasePaused:
		unlock, ok := s.lockFromMonitor(r)
		if !ok {
			return
		}
		defer unlock()
		if r.State() != Operating {
			return
		}
		if err := r.setState(Stopped); err == nil {
			s.releaseSlotLocked(r)
			s.logger.Info("worker reported pause", "run_id", r.ID)
		}
	}
}

// expire ends a run whose lifetime deadline has passed.
func (s *Supervisor) expire(r *Run) {
	unlock, ok := s.lockFromMonitor(r)
	if !ok {
		return
	}
	defer unlock()
	switch r.State() {
	case Initialized, Operating, Stopped:
	default:
		return
	}
	s.terminateLocked(r)
	s.releaseSlotLocked(r)
	s.finishLocked(r, &Failure{
		Kind:    Expired,
		Message: fmt.Sprintf("lifetime deadline %s passed", r.Expiry().Format(time.RFC3339)),
		At:      s.clock.Now(),
	}, nil)
}

// lose ends a run whose worker stopped answering.
func (s *Supervisor) lose(r *Run, reason string) {
	unlock, ok := s.lockFromMonitor(r)
	if !ok {
		return
	}
	defer unlock()
	switch r.State() {
	case Initialized, Operating, Stopped:
	default:
		return
	}
	s.terminateLocked(r)
	s.releaseSlotLocked(r)
	s.finishLocked(r, &Failure{Kind: WorkerLost, Message: reason, At: s.clock.Now()}, nil)
}

// workerExited records the worker process's exit. A run still
// expecting its worker is finished as lost.
func (s *Supervisor) workerExited(r *Run, process launch.Process) {
	unlock, ok := s.lockFromMonitor(r)
	if !ok {
		return
	}
	defer unlock()
	r.markWorkerDead()
	switch r.State() {
	case Initialized, Operating, Stopped:
	default:
		return
	}
	s.releaseSlotLocked(r)
	s.finishLocked(r, &Failure{
		Kind:    WorkerLost,
		Message: fmt.Sprintf("worker exited with status %d", process.ExitCode()),
		At:      s.clock.Now(),
	}, nil)
}
