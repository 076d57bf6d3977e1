// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/runstore"
	"github.com/runhost/runhost/lib/usage"
)

// Action names on the coordinator's API socket.
const (
	ActionRunCreate    = "run.create"
	ActionRunGet       = "run.get"
	ActionRunList      = "run.list"
	ActionRunStart     = "run.start"
	ActionRunStop      = "run.stop"
	ActionRunResume    = "run.resume"
	ActionRunDestroy   = "run.destroy"
	ActionRunSetExpiry = "run.set-expiry"
	ActionQuotaGet     = "quota.get"
	ActionQuotaUpdate  = "quota.update"
	ActionUsageList    = "usage.list"
	ActionHostStatus   = "host.status"
)

type createRequest struct {
	Principal   string            `cbor:"principal,omitempty"`
	Workflow    string            `cbor:"workflow"`
	Lifetime    time.Duration     `cbor:"lifetime,omitempty"`
	Credentials map[string]string `cbor:"credentials,omitempty"`
}

type runRequest struct {
	Principal string `cbor:"principal,omitempty"`
	ID        string `cbor:"id"`
}

type listRequest struct {
	Principal string `cbor:"principal,omitempty"`
	// All lists every principal's runs. Operators only.
	All bool `cbor:"all,omitempty"`
}

type expiryRequest struct {
	Principal string    `cbor:"principal,omitempty"`
	ID        string    `cbor:"id"`
	Expiry    time.Time `cbor:"expiry"`
}

type quotaRequest struct {
	Principal string          `cbor:"principal,omitempty"`
	Quota     admission.Quota `cbor:"quota"`
}

type usageRequest struct {
	Principal string    `cbor:"principal,omitempty"`
	Owner     string    `cbor:"owner,omitempty"`
	JobID     string    `cbor:"job_id,omitempty"`
	Since     time.Time `cbor:"since,omitempty"`
	Limit     int       `cbor:"limit,omitempty"`
}

// RunList answers run.list.
type RunList struct {
	Runs []run.Snapshot `cbor:"runs"`
}

// UsageList answers usage.list.
type UsageList struct {
	Records []usage.Record `cbor:"records"`
}

// HostStatus answers host.status.
type HostStatus struct {
	States    map[string]int  `cbor:"states"`
	Operating int             `cbor:"operating"`
	Waiting   int             `cbor:"waiting"`
	Quota     admission.Quota `cbor:"quota"`
}

// handler adapts a typed action body to remote.ActionFunc.
func handler[Request any](body func(ctx context.Context, request *Request) (any, error)) remote.ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		request := new(Request)
		if err := remote.Decode(raw, request); err != nil {
			return nil, err
		}
		result, err := body(ctx, request)
		return result, apiError(err)
	}
}

// Register exposes the run API on server.
func (s *Service) Register(server *remote.Server) {
	server.Handle(ActionRunCreate, handler(s.create))

	server.Handle(ActionRunGet, handler(func(ctx context.Context, request *runRequest) (any, error) {
		r, err := s.lookup(s.identify(ctx, request.Principal).principal, request.ID, s.policy.PermitUpdate)
		if err != nil {
			return nil, err
		}
		return r.Snapshot(), nil
	}))

	server.Handle(ActionRunList, handler(func(ctx context.Context, request *listRequest) (any, error) {
		who := s.identify(ctx, request.Principal)
		runs := s.store.ListOwnedBy(who.principal)
		if request.All {
			if !who.operator {
				return nil, fmt.Errorf("listing every run: %w", admission.ErrForbidden)
			}
			runs = s.store.List()
		}
		list := RunList{Runs: make([]run.Snapshot, 0, len(runs))}
		for _, r := range runs {
			list.Runs = append(list.Runs, r.Snapshot())
		}
		return list, nil
	}))

	s.registerTransition(server, ActionRunStart, s.supervisor.Start)
	s.registerTransition(server, ActionRunStop, s.supervisor.Stop)
	s.registerTransition(server, ActionRunResume, s.supervisor.Resume)

	server.Handle(ActionRunDestroy, handler(func(ctx context.Context, request *runRequest) (any, error) {
		who := s.identify(ctx, request.Principal)
		r, err := s.lookup(who.principal, request.ID, s.policy.PermitDestroy)
		if errors.Is(err, runstore.ErrNotFound) {
			// A repeated destroy answers with the final snapshot.
			if gone, ok := s.store.Removed(request.ID); ok {
				if err := s.policy.PermitDestroy(who.principal, gone.Owner); err != nil {
					return nil, err
				}
				return gone.Snapshot(), nil
			}
		}
		if err != nil {
			return nil, err
		}
		if err := s.Destroy(ctx, r); err != nil {
			return nil, err
		}
		s.logger.Info("run destroyed by request", "run_id", r.ID, "principal", who.principal)
		return r.Snapshot(), nil
	}))

	server.Handle(ActionRunSetExpiry, handler(s.setExpiry))

	server.Handle(ActionQuotaGet, handler(func(context.Context, *struct{}) (any, error) {
		return s.policy.Quota(), nil
	}))

	server.Handle(ActionQuotaUpdate, handler(func(ctx context.Context, request *quotaRequest) (any, error) {
		who := s.identify(ctx, request.Principal)
		if !who.operator {
			return nil, fmt.Errorf("updating quotas: %w", admission.ErrForbidden)
		}
		if err := s.policy.UpdateQuota(request.Quota); err != nil {
			return nil, remote.WithCode(remote.CodeBadRequest, err)
		}
		s.logger.Info("quota updated",
			"principal", who.principal,
			"global", request.Quota.Global,
			"default_per_user", request.Quota.DefaultPerUser,
			"operating_limit", request.Quota.OperatingLimit,
		)
		return s.policy.Quota(), nil
	}))

	server.Handle(ActionUsageList, handler(s.listUsage))

	server.Handle(ActionHostStatus, handler(func(context.Context, *struct{}) (any, error) {
		status := HostStatus{
			States:    make(map[string]int),
			Operating: s.policy.Gate().Held(),
			Waiting:   s.policy.Gate().Waiting(),
			Quota:     s.policy.Quota(),
		}
		for state, count := range s.store.StateCounts() {
			status.States[state.String()] = count
		}
		return status, nil
	}))

	s.registerFiles(server)
}

func (s *Service) registerTransition(server *remote.Server, action string, transition func(context.Context, *run.Run) error) {
	server.Handle(action, handler(func(ctx context.Context, request *runRequest) (any, error) {
		who := s.identify(ctx, request.Principal)
		r, err := s.lookup(who.principal, request.ID, s.policy.PermitUpdate)
		if err != nil {
			return nil, err
		}
		if err := transition(ctx, r); err != nil {
			return nil, err
		}
		return r.Snapshot(), nil
	}))
}

func (s *Service) create(ctx context.Context, request *createRequest) (any, error) {
	who := s.identify(ctx, request.Principal)
	if request.Workflow == "" {
		return nil, remote.Errorf(remote.CodeBadRequest, "workflow is required")
	}
	lifetime := request.Lifetime
	switch {
	case lifetime == 0:
		lifetime = s.defaultLifetime
	case lifetime < 0:
		return nil, remote.Errorf(remote.CodeBadRequest, "lifetime %v is negative", lifetime)
	case lifetime > s.maxLifetime:
		return nil, remote.Errorf(remote.CodeBadRequest, "lifetime %v exceeds the maximum %v", lifetime, s.maxLifetime)
	}

	// Reject before sealing anything.
	if admission.IsAnonymous(who.principal) {
		return nil, s.policy.PermitCreate(who.principal, request.Workflow, admission.Counts{})
	}
	sealed, err := s.sealer.SealContext(request.Credentials)
	if err != nil {
		return nil, fmt.Errorf("sealing security context: %w", err)
	}

	now := s.clock.Now()
	r := run.New(newRunID(), who.principal, request.Workflow, now, now.Add(lifetime), sealed)
	err = s.store.Add(r, func(counts admission.Counts) error {
		return s.policy.PermitCreate(who.principal, request.Workflow, counts)
	})
	if err != nil {
		s.logger.Info("run rejected", "principal", who.principal, "workflow", request.Workflow, "error", err)
		return nil, err
	}
	s.logger.Info("run created",
		"run_id", r.ID,
		"principal", who.principal,
		"workflow", request.Workflow,
		"expiry", r.Expiry(),
		"security_context", len(sealed) > 0,
	)
	return r.Snapshot(), nil
}

func (s *Service) setExpiry(ctx context.Context, request *expiryRequest) (any, error) {
	who := s.identify(ctx, request.Principal)
	r, err := s.lookup(who.principal, request.ID, s.policy.PermitUpdate)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !request.Expiry.After(now) {
		return nil, remote.Errorf(remote.CodeBadRequest, "expiry %s is not in the future", request.Expiry.Format(time.RFC3339))
	}
	if limit := now.Add(s.maxLifetime); request.Expiry.After(limit) {
		return nil, remote.Errorf(remote.CodeBadRequest, "expiry is beyond the maximum lifetime %v", s.maxLifetime)
	}
	if err := r.SetExpiry(request.Expiry); err != nil {
		return nil, err
	}
	s.logger.Info("run expiry changed", "run_id", r.ID, "principal", who.principal, "expiry", request.Expiry)
	return r.Snapshot(), nil
}

func (s *Service) listUsage(ctx context.Context, request *usageRequest) (any, error) {
	if s.usage == nil {
		return nil, remote.Errorf(remote.CodeNotImplemented, "no usage journal configured")
	}
	who := s.identify(ctx, request.Principal)
	owner := who.principal
	if request.Owner != "" && request.Owner != owner {
		if !who.operator {
			return nil, fmt.Errorf("reading usage of %s: %w", request.Owner, admission.ErrForbidden)
		}
		owner = request.Owner
	}
	records, err := s.usage.List(ctx, usage.Filter{
		Owner: owner,
		JobID: request.JobID,
		Since: request.Since,
		Limit: request.Limit,
	})
	if err != nil {
		return nil, err
	}
	return UsageList{Records: records}, nil
}

// RegisterCallback exposes usage.record on the workers' callback
// socket.
func (s *Service) RegisterCallback(server *remote.Server) {
	server.Handle("usage.record", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Record []byte `cbor:"record"`
		}
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		return nil, s.acceptUsage(ctx, request.Record)
	})
}

func (s *Service) acceptUsage(ctx context.Context, encoded []byte) error {
	record, err := usage.Decode(encoded)
	if err != nil {
		return remote.WithCode(remote.CodeBadRequest, err)
	}
	r, err := s.store.Get(record.JobID)
	if err == nil && r.Owner != record.Owner {
		s.logger.Warn("usage record owner mismatch", "run_id", record.JobID, "claimed", record.Owner, "owner", r.Owner)
		return remote.Errorf(remote.CodeForbidden, "record owner does not match run %s", record.JobID)
	}
	if err := s.sink.Accept(ctx, encoded); err != nil {
		return remote.WithCode(remote.CodeIO, err)
	}
	if r == nil {
		// The run was destroyed before its worker reported; the
		// journal still has the record.
		return nil
	}
	r.AddUsage(encoded)
	if err := s.supervisor.Complete(ctx, r, record.ExitCode); err != nil && !errors.Is(err, run.ErrDestroyed) {
		s.logger.Warn("completing run from usage record", "run_id", r.ID, "error", err)
	}
	return nil
}
