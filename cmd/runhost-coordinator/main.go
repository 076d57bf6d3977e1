// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/binhash"
	"github.com/runhost/runhost/lib/bootstrap"
	"github.com/runhost/runhost/lib/config"
	"github.com/runhost/runhost/lib/coordinator"
	"github.com/runhost/runhost/lib/directory"
	"github.com/runhost/runhost/lib/escalation"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/identity"
	"github.com/runhost/runhost/lib/launch"
	"github.com/runhost/runhost/lib/notify"
	"github.com/runhost/runhost/lib/process"
	"github.com/runhost/runhost/lib/remote"
	"github.com/runhost/runhost/lib/run"
	"github.com/runhost/runhost/lib/runstore"
	"github.com/runhost/runhost/lib/sealed"
	"github.com/runhost/runhost/lib/usage"
	"github.com/runhost/runhost/lib/worker"
)

func main() {
	if err := runMain(); err != nil {
		process.Fatal(err)
	}
}

func runMain() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to runhost.yaml (default $RUNHOST_CONFIG)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return process.Exitf(2, "loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return process.Exitf(2, "invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mapper, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	journal, err := usage.OpenSQLiteSink(ctx, cfg.Coordinator.UsageJournal, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	keeper, err := sealed.NewKeeper()
	if err != nil {
		return err
	}
	defer keeper.Close()

	binaries, err := resolveBinaries(cfg, logger)
	if err != nil {
		return err
	}
	broker, err := directory.StartBroker(ctx, directory.BrokerConfig{
		Binary:         binaries["runhost-broker"],
		Port:           cfg.Broker.Port,
		LocalhostOnly:  cfg.Broker.LocalhostOnly,
		StartupTimeout: cfg.Broker.StartupTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := broker.Stop(stopCtx); err != nil {
			logger.Warn("stopping directory broker", "error", err)
		}
	}()

	launcher, closeLauncher, err := newLauncher(cfg, binaries, configPath, broker.Handle, logger)
	if err != nil {
		return err
	}
	defer closeLauncher()

	callbackListener, callbackHandle, err := listenShared(cfg.Coordinator.CallbackSocket)
	if err != nil {
		return err
	}
	apiListener, apiHandle, err := listenShared(cfg.Coordinator.Socket)
	if err != nil {
		callbackListener.Close()
		return err
	}

	policy, err := admission.NewPolicy(cfg.Quota)
	if err != nil {
		return err
	}
	supervisor, err := run.NewSupervisor(run.SupervisorConfig{
		Launcher:  launcher,
		Directory: directory.NewClient(broker.Handle),
		Dial:      worker.Dial,
		Gate:      policy.Gate(),
		Identity:  mapper,
		Unsealer:  keeper,
		Notifier:  notify.Log{Logger: logger},
		Callback:  callbackHandle,
		Timing: run.Timing{
			StartupInterval: cfg.Worker.StartupInterval,
			StartupTimeout:  cfg.Worker.StartupTimeout,
			GracePeriod:     cfg.Worker.GracePeriod,
			MonitorInterval: cfg.Worker.MonitorInterval,
			ProbeFailures:   cfg.Worker.ProbeFailures,
			CallTimeout:     cfg.Worker.CallTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	store := runstore.New()
	service, err := coordinator.New(coordinator.Config{
		Store:           store,
		Policy:          policy,
		Supervisor:      supervisor,
		Sealer:          keeper,
		Sink:            journal,
		Usage:           journal,
		DefaultLifetime: cfg.Coordinator.DefaultLifetime,
		MaxLifetime:     cfg.Coordinator.MaxLifetime,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	apiServer := remote.NewServer(apiListener, apiHandle.Namespace, logger)
	service.Register(apiServer)
	callbackServer := remote.NewServer(callbackListener, callbackHandle.Namespace, logger)
	service.RegisterCallback(callbackServer)
	reaper := runstore.NewReaper(store, service.Destroy, runstore.ReaperConfig{
		Interval:    cfg.Reaper.Interval,
		Concurrency: cfg.Reaper.Concurrency,
		Logger:      logger,
	})

	if err := writeHandle(cfg.Coordinator.Socket+".handle", apiHandle); err != nil {
		return err
	}
	logger.Info("coordinator ready",
		"socket", cfg.Coordinator.Socket,
		"callback_socket", cfg.Coordinator.CallbackSocket,
		"directory", broker.Handle.Endpoint(),
		"escalation", cfg.Escalation.Mode,
		"environment", cfg.Environment,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return apiServer.Serve(groupCtx) })
	group.Go(func() error { return callbackServer.Serve(groupCtx) })
	group.Go(func() error { return reaper.Run(groupCtx) })
	group.Go(func() error {
		select {
		case <-broker.Exited():
			return errors.New("directory broker exited")
		case <-groupCtx.Done():
			return nil
		}
	})
	serveErr := group.Wait()

	logger.Info("coordinator shutting down", "runs", store.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Worker.GracePeriod+30*time.Second)
	defer cancel()
	destroyAll(shutdownCtx, store, service.Destroy, cfg.Reaper.Concurrency, logger)
	return serveErr
}

func loadIdentity(cfg *config.Config) (identity.Mapper, error) {
	if cfg.Coordinator.IdentityMap != "" {
		return identity.LoadFile(cfg.Coordinator.IdentityMap)
	}
	current, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("looking up the coordinator's account: %w", err)
	}
	return identity.Single(current.Username), nil
}

// resolveBinaries locates the executables the coordinator launches
// and logs their digests.
func resolveBinaries(cfg *config.Config, logger *slog.Logger) (map[string]string, error) {
	names := []string{"runhost-broker", "runhost-worker"}
	if cfg.Escalation.Mode == config.EscalationSudo {
		names = append(names, "runhost-escalator")
	}
	paths := make(map[string]string, len(names))
	for _, name := range names {
		path, err := cfg.BinaryPath(name)
		if err != nil {
			return nil, err
		}
		paths[name] = path
	}
	inventory, err := binhash.Inventory(names, paths)
	if err != nil {
		return nil, err
	}
	for _, binary := range inventory {
		logger.Info("binary resolved", "name", binary.Name, "path", binary.Path, "blake3", binary.Digest.String())
	}
	return paths, nil
}

// newLauncher returns the configured launcher and a function releasing
// what it holds.
func newLauncher(cfg *config.Config, binaries map[string]string, configPath string, directoryHandle handle.Handle, logger *slog.Logger) (launch.Launcher, func(), error) {
	workerBinary := binaries["runhost-worker"]
	// The directory handle goes to workers on stdin. Anything in argv
	// is readable by every local account.
	bootLine, err := bootstrap.Worker{Directory: directoryHandle, CoordinatorUID: os.Getuid()}.Line()
	if err != nil {
		return nil, nil, err
	}
	var workerArgs []string
	if configPath != "" {
		workerArgs = append(workerArgs, "-config", configPath)
	}

	switch cfg.Escalation.Mode {
	case config.EscalationSudo:
		client, err := escalation.StartClient(escalation.ClientConfig{
			Binary:        binaries["runhost-escalator"],
			PasswordFile:  cfg.Escalation.PasswordFile,
			SudoPath:      cfg.Escalation.SudoPath,
			WorkerProgram: workerBinary,
			WorkerArgs:    workerArgs,
			Bootstrap:     bootLine,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return launch.Escalating{Client: client}, func() {
			if err := client.Close(); err != nil {
				logger.Warn("stopping escalator", "error", err)
			}
		}, nil
	default:
		return launch.Direct{Program: workerBinary, Args: workerArgs, Bootstrap: bootLine, Logger: logger}, func() {}, nil
	}
}

// listenShared binds a unix socket any local account may connect to.
// Callers are told apart by their peer credentials.
func listenShared(path string) (net.Listener, handle.Handle, error) {
	listener, minted, err := handle.ListenUnix(path)
	if err != nil {
		return nil, handle.Handle{}, err
	}
	if err := os.Chmod(path, 0o666); err != nil {
		listener.Close()
		return nil, handle.Handle{}, fmt.Errorf("opening %s to local accounts: %w", path, err)
	}
	return listener, minted, nil
}

// writeHandle publishes the API handle for runhostctl; the namespace
// changes on every start.
func writeHandle(path string, target handle.Handle) error {
	text, err := target.Text()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func destroyAll(ctx context.Context, store *runstore.Store, destroy runstore.DestroyFunc, concurrency int, logger *slog.Logger) {
	if concurrency <= 0 {
		concurrency = 4
	}
	var group errgroup.Group
	group.SetLimit(concurrency)
	for _, r := range store.List() {
		group.Go(func() error {
			if err := destroy(ctx, r); err != nil {
				logger.Warn("destroying run at shutdown", "run_id", r.ID, "error", err)
			}
			return nil
		})
	}
	group.Wait()
}
