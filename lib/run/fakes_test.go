// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runhost/runhost/lib/admission"
	"github.com/runhost/runhost/lib/clock"
	"github.com/runhost/runhost/lib/directory"
	"github.com/runhost/runhost/lib/handle"
	"github.com/runhost/runhost/lib/identity"
	"github.com/runhost/runhost/lib/launch"
	"github.com/runhost/runhost/lib/notify"
	"github.com/runhost/runhost/lib/testutil"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu       sync.Mutex
	signals  []os.Signal
	code     int
	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

// UID is the account every fake worker runs as.
func (p *fakeProcess) UID() int { return fakeWorkerUID }

const fakeWorkerUID = 2017

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if sig == unix.SIGTERM && !ignore {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.signals = append(p.signals, unix.SIGKILL)
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) ExitCode() int {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeLauncher starts fakeProcesses and, unless silent, binds the new
// worker in the fake directory as a real worker would.
type fakeLauncher struct {
	directory *fakeDirectory
	silent    bool
	err       error

	mu        sync.Mutex
	launched  []*fakeProcess
	accounts  []string
	launchedC chan *fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, account, token string) (launch.Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	process := newFakeProcess(1000 + len(l.launched))
	l.launched = append(l.launched, process)
	l.accounts = append(l.accounts, account)
	l.mu.Unlock()
	if !l.silent {
		l.directory.bind(token, handle.Handle{Network: "tcp", Address: "127.0.0.1", Port: 4000, Namespace: token})
	}
	if l.launchedC != nil {
		l.launchedC <- process
	}
	return process, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}

type fakeDirectory struct {
	mu    sync.Mutex
	names map[string]handle.Handle
}

func (d *fakeDirectory) bind(name string, target handle.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.names == nil {
		d.names = make(map[string]handle.Handle)
	}
	d.names[name] = target
}

func (d *fakeDirectory) Lookup(_ context.Context, name string) (handle.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	target, ok := d.names[name]
	if !ok {
		return handle.Handle{}, fmt.Errorf("%q: %w", name, directory.ErrNotBound)
	}
	return target, nil
}

type fakeWorker struct {
	mu          sync.Mutex
	calls       []string
	started     []StartRequest
	status      WorkerStatus
	statusErr   error
	stopErr     error
	statusCalls int
}

func (w *fakeWorker) record(call string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, call)
}

func (w *fakeWorker) Ping(context.Context) error { w.record("ping"); return nil }

func (w *fakeWorker) Start(_ context.Context, request StartRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "start")
	w.started = append(w.started, request)
	w.status.Phase = PhaseRunning
	return nil
}

func (w *fakeWorker) Stop(context.Context) error {
	w.record("stop")
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopErr
}

func (w *fakeWorker) Resume(context.Context) error { w.record("resume"); return nil }

func (w *fakeWorker) Status(context.Context) (WorkerStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statusCalls++
	return w.status, w.statusErr
}

func (w *fakeWorker) Terminate(context.Context) error { w.record("terminate"); return nil }
func (w *fakeWorker) Destroy(context.Context) error   { w.record("destroy"); return nil }

func (w *fakeWorker) set(update func(*fakeWorker)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	update(w)
}

func (w *fakeWorker) statusCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusCalls
}

func (w *fakeWorker) callList() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Dispatch(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []notify.Kind
	for _, event := range n.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type harness struct {
	supervisor *Supervisor
	launcher   *fakeLauncher
	directory  *fakeDirectory
	worker     *fakeWorker
	gate       *admission.Gate
	notifier   *recordingNotifier

	dialMu     sync.Mutex
	dialedUIDs []int
}

func (h *harness) dialed() []int {
	h.dialMu.Lock()
	defer h.dialMu.Unlock()
	return append([]int(nil), h.dialedUIDs...)
}

type harnessOptions struct {
	clock          clock.Clock
	timing         Timing
	operatingLimit int
	silent         bool
	identity       identity.Mapper
}

func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()
	if options.clock == nil {
		options.clock = clock.Real()
	}
	if options.timing == (Timing{}) {
		options.timing = Timing{
			StartupInterval: time.Millisecond,
			StartupTimeout:  5 * time.Second,
			GracePeriod:     time.Second,
			MonitorInterval: time.Hour,
		}
	}
	if options.identity == nil {
		options.identity = identity.Single("rh_worker")
	}

	names := &fakeDirectory{}
	h := &harness{
		launcher:  &fakeLauncher{directory: names, silent: options.silent},
		directory: names,
		worker:    &fakeWorker{status: WorkerStatus{Phase: PhaseIdle}},
		gate:      admission.NewGate(options.operatingLimit),
		notifier:  &recordingNotifier{},
	}
	supervisor, err := NewSupervisor(SupervisorConfig{
		Launcher:  h.launcher,
		Directory: names,
		Dial: func(_ handle.Handle, uid int) WorkerClient {
			h.dialMu.Lock()
			h.dialedUIDs = append(h.dialedUIDs, uid)
			h.dialMu.Unlock()
			return h.worker
		},
		Gate:      h.gate,
		Identity:  options.identity,
		Notifier:  h.notifier,
		Timing:    options.timing,
		Clock:     options.clock,
		Logger:    testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	h.supervisor = supervisor
	return h
}

func newTestRun(id string, expiry time.Time) *Run {
	return New(id, "alice", "wf/hello", expiry.Add(-24*time.Hour), expiry, nil)
}

// waitFor polls condition in real time.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func hasSignal(process *fakeProcess, sig os.Signal) bool {
	for _, received := range process.receivedSignals() {
		if received == sig {
			return true
		}
	}
	return false
}

var errTransport = errors.New("connection refused")
