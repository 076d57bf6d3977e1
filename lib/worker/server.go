// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/bounded"
	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/directory"
	"github.com/runhost/runhost/lib/filesurface"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/pathguard"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/sealed"
	"github.com/runhost/runhost/lib/usage"
)

// Action names on the worker endpoint.
const (
	ActionPing      = "worker.ping"
	ActionStart     = "worker.start"
	ActionStop      = "worker.stop"
	ActionResume    = "worker.resume"
	ActionStatus    = "worker.status"
	ActionTerminate = "worker.terminate"
	ActionDestroy   = "worker.destroy"

	// ActionUsageRecord is served by the coordinator's callback.
	ActionUsageRecord = "usage.record"
)

// Registrar publishes the worker in the host directory.
type Registrar interface {
	Bind(ctx context.Context, name string, target handle.Handle, replace bool) error
	Unbind(ctx context.Context, name string) error
}

// Config describes one worker.
type Config struct {
	// Token is the correlation token the supervisor looks up.
	Token string

	// WorkRoot is the parent of the run's working directory, which
	// is WorkRoot/Token.
	WorkRoot string

	// Executor is the command run at start.
	Executor []string

	// Pausable enables stop and resume.
	Pausable bool

	// Socket is the path of the worker's unix endpoint. Any local
	// account may connect; only the worker's own account and
	// CoordinatorUID are answered.
	Socket string

	// CoordinatorUID is the coordinator's account.
	CoordinatorUID int

	Directory Registrar

	// GracePeriod bounds the executor's exit after SIGTERM. Default
	// 10s.
	GracePeriod time.Duration

	// UsageTimeout bounds the usage record push, retries included.
	// Default 30s.
	UsageTimeout time.Duration

	// SourceDialer reaches other workers for file.copy. Nil uses
	// filesurface.DialRemoteSource.
	SourceDialer filesurface.SourceDialer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is a running worker.
type Server struct {
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	handle   handle.Handle
	server   *remote.Server
	hostname string
	workDir  string
	executor *Executor

	mu        sync.Mutex
	request   *run.StartRequest
	destroyed bool
	quit      chan struct{}
	quitOnce  sync.Once
	reported  chan struct{}
}

// New creates the working directory and binds the endpoint. The
// worker is not published until Serve.
func New(config Config) (*Server, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 10 * time.Second
	}
	if config.UsageTimeout <= 0 {
		config.UsageTimeout = 30 * time.Second
	}
	if config.Directory == nil {
		return nil, errors.New("worker: directory is required")
	}
	if len(config.Executor) == 0 {
		return nil, errors.New("worker: executor command is required")
	}
	if config.Socket == "" {
		return nil, errors.New("worker: socket path is required")
	}

	workDir, err := pathguard.Default().Validate(config.WorkRoot, config.Token)
	if err != nil {
		return nil, fmt.Errorf("worker: token is not usable as a directory name: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("worker: creating working directory: %w", err)
	}

	listener, minted, err := handle.ListenUnix(config.Socket)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	// Callers are told apart by peer credentials, not file mode.
	if err := os.Chmod(config.Socket, 0o666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("worker: opening %s to local accounts: %w", config.Socket, err)
	}
	tree, err := filesurface.NewTree(workDir, handle.LoopbackHost)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("worker: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = handle.LoopbackHost
	}

	logger := config.Logger.With("token", config.Token)
	s := &Server{
		config:   config,
		clock:    config.Clock,
		logger:   logger,
		handle:   minted,
		server:   remote.NewServer(listener, minted.Namespace, logger),
		hostname: hostname,
		workDir:  workDir,
		executor: NewExecutor(config.Executor, workDir, config.Pausable, config.Clock, logger),
		quit:     make(chan struct{}),
		reported: make(chan struct{}),
	}
	self := os.Getuid()
	s.server.RequirePeer(func(peer remote.Peer) bool {
		return peer.UID == self || peer.UID == config.CoordinatorUID
	})
	s.registerControl()
	filesurface.Register(s.server, tree, config.SourceDialer)
	return s, nil
}

// Handle returns the worker's endpoint.
func (s *Server) Handle() handle.Handle { return s.handle }

// WorkDir returns the run's working directory.
func (s *Server) WorkDir() string { return s.workDir }

// Serve publishes the worker and answers requests until ctx ends or
// the worker is terminated or destroyed. On the way out it unpublishes
// itself and stops the executor; a destroyed worker also removes its
// working directory.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.config.Directory.Bind(ctx, s.config.Token, s.handle, false); err != nil {
		s.server.Close()
		return fmt.Errorf("worker: publishing %s: %w", s.config.Token, err)
	}
	s.logger.Info("worker published", "endpoint", s.handle.Endpoint())

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-serveCtx.Done():
		}
	}()
	go s.watchExecutor(serveCtx)

	serveErr := s.server.Serve(serveCtx)
	return errors.Join(serveErr, s.shutdown())
}

func (s *Server) shutdown() error {
	var errs []error

	unbindCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.config.Directory.Unbind(unbindCtx, s.config.Token); err != nil && !errors.Is(err, directory.ErrNotBound) {
		s.logger.Warn("unpublishing worker", "error", err)
	}

	terminateCtx, cancelTerminate := context.WithTimeout(context.Background(), 2*s.config.GracePeriod+time.Second)
	defer cancelTerminate()
	if err := s.executor.Terminate(terminateCtx, s.config.GracePeriod); err != nil {
		errs = append(errs, fmt.Errorf("stopping executor: %w", err))
	}

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		if err := os.RemoveAll(s.workDir); err != nil {
			errs = append(errs, fmt.Errorf("removing working directory: %w", err))
		}
	}
	s.logger.Info("worker stopped", "destroyed", destroyed)
	return errors.Join(errs...)
}

func (s *Server) stop(destroy bool) {
	s.mu.Lock()
	if destroy {
		s.destroyed = true
	}
	s.mu.Unlock()
	s.quitOnce.Do(func() { close(s.quit) })
}

type startRequest struct {
	Request run.StartRequest `cbor:"request"`
}

func (s *Server) registerControl() {
	s.server.Handle(ActionPing, func(context.Context, []byte) (any, error) {
		return nil, nil
	})

	s.server.Handle(ActionStart, func(ctx context.Context, raw []byte) (any, error) {
		var request startRequest
		if err := remote.Decode(raw, &request); err != nil {
			return nil, err
		}
		return nil, s.start(request.Request)
	})

	s.server.Handle(ActionStop, func(context.Context, []byte) (any, error) {
		return nil, controlError(s.executor.Pause())
	})

	s.server.Handle(ActionResume, func(context.Context, []byte) (any, error) {
		return nil, controlError(s.executor.Resume())
	})

	s.server.Handle(ActionStatus, func(context.Context, []byte) (any, error) {
		return s.executor.Status(), nil
	})

	s.server.Handle(ActionTerminate, func(context.Context, []byte) (any, error) {
		s.logger.Info("terminate requested")
		s.stop(false)
		return nil, nil
	})

	s.server.Handle(ActionDestroy, func(context.Context, []byte) (any, error) {
		s.logger.Info("destroy requested")
		s.stop(true)
		return nil, nil
	})
}

func controlError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotPausable):
		return remote.WithCode(remote.CodeUnsupported, err)
	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrAlreadyStarted):
		return remote.WithCode(remote.CodeInvalidState, err)
	default:
		return err
	}
}

func (s *Server) start(request run.StartRequest) error {
	env, err := executorEnv(request)
	if err != nil {
		return remote.WithCode(remote.CodeBadRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.request != nil {
		return remote.WithCode(remote.CodeInvalidState, ErrAlreadyStarted)
	}
	if err := s.executor.Start(env); err != nil {
		return controlError(err)
	}
	s.request = &request
	s.logger.Info("run started", "run_id", request.RunID, "principal", request.Owner)
	return nil
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// executorEnv turns the start request into the executor's extra
// environment. Credentials become variables of the same name.
func executorEnv(request run.StartRequest) ([]string, error) {
	env := []string{
		"RUNHOST_RUN_ID=" + request.RunID,
		"RUNHOST_OWNER=" + request.Owner,
		"RUNHOST_WORKFLOW=" + request.Workflow,
	}
	if !request.Deadline.IsZero() {
		env = append(env, "RUNHOST_DEADLINE="+request.Deadline.UTC().Format(time.RFC3339))
	}
	if len(request.Credentials) == 0 {
		return env, nil
	}
	credentials, err := sealed.DecodeContext(request.Credentials)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(credentials))
	for name := range credentials {
		if !envName.MatchString(name) {
			return nil, fmt.Errorf("credential name %q is not a valid environment variable", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+credentials[name])
	}
	return env, nil
}

// watchExecutor pushes the usage record once the executor exits.
func (s *Server) watchExecutor(ctx context.Context) {
	select {
	case <-s.executor.Done():
	case <-ctx.Done():
		return
	}
	defer close(s.reported)

	s.mu.Lock()
	request := s.request
	s.mu.Unlock()
	if request == nil || request.Callback.IsZero() {
		return
	}

	state, started, finished := s.executor.Result()
	record := usage.FromProcessState(usage.Record{
		JobID:    request.RunID,
		Owner:    request.Owner,
		Workflow: request.Workflow,
		Host:     s.hostname,
		Started:  started,
		Finished: finished,
	}, state)
	record.ExitCode = exitCode(state)

	encoded, err := usage.Encode(record)
	if err != nil {
		s.logger.Error("encoding usage record", "error", err)
		return
	}
	if err := s.pushUsage(ctx, request.Callback, encoded); err != nil {
		s.logger.Error("usage record not delivered", "run_id", request.RunID, "error", err)
		return
	}
	s.logger.Info("usage record delivered", "run_id", request.RunID, "exit_code", record.ExitCode)
}

// pushUsage retries transport failures until UsageTimeout. A remote
// rejection is final.
func (s *Server) pushUsage(ctx context.Context, callback handle.Handle, encoded []byte) error {
	client := remote.NewClient(callback).ExpectPeer(s.config.CoordinatorUID)
	var rejected error
	err := bounded.Poll(ctx, s.clock, time.Second, s.config.UsageTimeout, func(ctx context.Context) (bool, error) {
		err := client.Call(ctx, ActionUsageRecord, map[string]any{"record": encoded}, nil)
		if err == nil {
			return true, nil
		}
		if remote.IsTransport(err) {
			return false, err
		}
		rejected = err
		return true, nil
	})
	if err != nil {
		return err
	}
	return rejected
}

// UsageReported is closed once the usage push has finished, delivered
// or not. It stays open if the worker stops before its executor exits.
func (s *Server) UsageReported() <-chan struct{} { return s.reported }
