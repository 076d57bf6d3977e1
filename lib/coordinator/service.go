// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/runstore"
	"github.com/runhost/runhost/lib/usage"
)

// Supervisor is the part of *run.Supervisor the service drives.
type Supervisor interface {
	Start(ctx context.Context, r *run.Run) error
	Stop(ctx context.Context, r *run.Run) error
	Resume(ctx context.Context, r *run.Run) error
	Destroy(ctx context.Context, r *run.Run) error
	Complete(ctx context.Context, r *run.Run, exitCode int) error
	EnsureWorker(ctx context.Context, r *run.Run) (*run.WorkerHandle, error)
}

// Sealer seals a security context supplied at create.
type Sealer interface {
	SealContext(credentials map[string]string) ([]byte, error)
}

// UsageLister answers usage.list.
type UsageLister interface {
	List(ctx context.Context, filter usage.Filter) ([]usage.Record, error)
}

// Config wires a Service.
type Config struct {
	Store      *runstore.Store
	Policy     *admission.Policy
	Supervisor Supervisor
	Sealer     Sealer
	Sink       usage.Sink

	// Usage is optional; without it usage.list fails.
	Usage UsageLister

	// DefaultLifetime and MaxLifetime bound run expiry.
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration

	// Operators may act for other principals and change quotas. Nil
	// means root and the coordinator's own uid.
	Operators []int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service implements the coordinator's actions.
type Service struct {
	store      *runstore.Store
	policy     *admission.Policy
	supervisor Supervisor
	sealer     Sealer
	sink       usage.Sink
	usage      UsageLister

	defaultLifetime time.Duration
	maxLifetime     time.Duration
	operators       []int

	clock  clock.Clock
	logger *slog.Logger
}

// New validates config and returns a Service.
func New(config Config) (*Service, error) {
	var errs []error
	if config.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if config.Policy == nil {
		errs = append(errs, errors.New("policy is required"))
	}
	if config.Supervisor == nil {
		errs = append(errs, errors.New("supervisor is required"))
	}
	if config.Sealer == nil {
		errs = append(errs, errors.New("sealer is required"))
	}
	if config.Sink == nil {
		errs = append(errs, errors.New("usage sink is required"))
	}
	if config.DefaultLifetime <= 0 {
		errs = append(errs, errors.New("default lifetime must be positive"))
	}
	if config.MaxLifetime < config.DefaultLifetime {
		errs = append(errs, errors.New("max lifetime is shorter than the default"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	if config.Operators == nil {
		config.Operators = []int{0, os.Getuid()}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:           config.Store,
		policy:          config.Policy,
		supervisor:      config.Supervisor,
		sealer:          config.Sealer,
		sink:            config.Sink,
		usage:           config.Usage,
		defaultLifetime: config.DefaultLifetime,
		maxLifetime:     config.MaxLifetime,
		operators:       config.Operators,
		clock:           config.Clock,
		logger:          config.Logger,
	}, nil
}

// caller is who a request acts for.
type caller struct {
	principal string
	operator  bool
}

// identify resolves the caller from the connection's peer
// credentials. claimed is honoured only for operators.
func (s *Service) identify(ctx context.Context, claimed string) caller {
	peer, ok := remote.PeerFromContext(ctx)
	if !ok {
		return caller{principal: admission.Anonymous}
	}
	operator := slices.Contains(s.operators, peer.UID)
	if operator && claimed != "" {
		return caller{principal: claimed, operator: true}
	}
	return caller{principal: accountName(peer.UID), operator: operator}
}

func accountName(uid int) string {
	account, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "uid:" + strconv.Itoa(uid)
	}
	return account.Username
}

// Destroy is the single teardown path for runs, shared by run.destroy
// and the reaper.
func (s *Service) Destroy(ctx context.Context, r *run.Run) error {
	if err := s.supervisor.Destroy(ctx, r); err != nil {
		return err
	}
	s.store.Remove(r.ID)
	return nil
}

// lookup fetches a run and checks that principal owns it.
func (s *Service) lookup(principal, id string, permit func(principal, owner string) error) (*run.Run, error) {
	r, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := permit(principal, r.Owner); err != nil {
		return nil, err
	}
	return r, nil
}

// apiError assigns wire codes to the coordinator's failures.
func apiError(err error) error {
	switch {
	case err == nil:
		return nil
	case remote.CodeOf(err) != remote.CodeInternal:
		return err
	case errors.Is(err, admission.ErrForbidden):
		return remote.WithCode(remote.CodeForbidden, err)
	case errors.Is(err, admission.ErrQuotaExceeded):
		return remote.WithCode(remote.CodeQuotaExceeded, err)
	case errors.Is(err, runstore.ErrNotFound):
		return remote.WithCode(remote.CodeNotFound, err)
	case errors.Is(err, run.ErrUnsupported):
		return remote.WithCode(remote.CodeUnsupported, err)
	case errors.Is(err, run.ErrDestroyed),
		errors.Is(err, run.ErrInvalidTransition),
		errors.Is(err, run.ErrWorkerGone),
		errors.Is(err, run.ErrStartupFailed):
		return remote.WithCode(remote.CodeInvalidState, err)
	}
	return err
}

// newRunID mints a run identifier.
func newRunID() string { return uuid.NewString() }
