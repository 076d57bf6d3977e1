// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch starts worker processes for the run supervisor.
//
// Two launchers exist. [Escalating] asks runhost-escalator to start the
// worker as the run owner's mapped local account through sudo. [Direct]
// forks the worker as the coordinator's own user, for single-account
// deployments and development. Both return a [Process] the supervisor
// can signal during shutdown, and both hand the worker its bootstrap
// line on stdin.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/runhost/runhost/lib/escalation"
)

// Process is a started worker as the supervisor sees it.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Exited is closed once the process has been reaped.
	Exited() <-chan struct{}
	// ExitCode blocks until Exited and returns the exit status.
	ExitCode() int
	// UID is the account the worker runs as. The supervisor talks
	// only to an endpoint served by that account.
	UID() int
}

// Launcher starts one worker as account, passing token as its final
// argument.
type Launcher interface {
	Launch(ctx context.Context, account, token string) (Process, error)
}

// Escalating launches through an escalation.Client.
type Escalating struct {
	Client *escalation.Client
}

func (l Escalating) Launch(ctx context.Context, account, token string) (Process, error) {
	uid, err := accountUID(account)
	if err != nil {
		return nil, err
	}
	child, err := l.Client.Spawn(ctx, escalation.Request{TargetUser: account, Token: token})
	if err != nil {
		return nil, err
	}
	return escalatedProcess{Child: child, uid: uid}, nil
}

type escalatedProcess struct {
	*escalation.Child
	uid int
}

func (p escalatedProcess) UID() int { return p.uid }

func accountUID(account string) (int, error) {
	entry, err := user.Lookup(account)
	if err != nil {
		return 0, fmt.Errorf("looking up account %s: %w", account, err)
	}
	uid, err := strconv.Atoi(entry.Uid)
	if err != nil {
		return 0, fmt.Errorf("account %s has non-numeric uid %q", account, entry.Uid)
	}
	return uid, nil
}

// Direct launches Program with Args and the token as a child of the
// coordinator, writing Bootstrap to its stdin. The account argument
// is ignored.
type Direct struct {
	Program   string
	Args      []string
	Bootstrap string
	Logger    *slog.Logger
}

func (l Direct) Launch(ctx context.Context, account, token string) (Process, error) {
	argv := append(append([]string{}, l.Args...), token)
	command := exec.Command(l.Program, argv...)
	command.Stdin = strings.NewReader(l.Bootstrap + "\n")
	command.Stdout = os.Stderr
	command.Stderr = os.Stderr
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.Program, err)
	}

	process := &directProcess{command: command, exited: make(chan struct{})}
	go func() {
		err := command.Wait()
		process.code = 0
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			process.code = exitError.ExitCode()
		} else if err != nil {
			process.code = -1
		}
		close(process.exited)
		if l.Logger != nil {
			l.Logger.Info("worker exited", "token", token, "pid", command.Process.Pid, "status", process.code)
		}
	}()
	return process, nil
}

type directProcess struct {
	command *exec.Cmd
	exited  chan struct{}
	code    int
}

func (p *directProcess) PID() int { return p.command.Process.Pid }

// UID is the coordinator's own.
func (p *directProcess) UID() int { return os.Getuid() }

// Signal delivers sig to the worker's whole process group so the
// executor it runs receives it too.
func (p *directProcess) Signal(sig os.Signal) error {
	number, ok := sig.(unix.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	select {
	case <-p.exited:
		return os.ErrProcessDone
	default:
	}
	return unix.Kill(-p.command.Process.Pid, number)
}

func (p *directProcess) Kill() error { return p.Signal(unix.SIGKILL) }

func (p *directProcess) Exited() <-chan struct{} { return p.exited }

func (p *directProcess) ExitCode() int {
	<-p.exited
	return p.code
}
