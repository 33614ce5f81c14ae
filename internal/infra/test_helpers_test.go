package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// fakeProc is one entry of the fake process table. diesOn is the first signal
// that terminates it; zero means it survives everything.
type fakeProc struct {
	name   string
	pgid   int
	diesOn syscall.Signal
	denied bool // direct signals fail with EPERM (owned by another user)
}

// mockProcessManager is a test double for ProcessManager backed by a fake
// process table.
type mockProcessManager struct {
	mu      sync.Mutex
	procs   map[int]*fakeProc
	signals []string // "pid:SIG" or "-pgid:SIG", in order
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{procs: make(map[int]*fakeProc)}
}

func (m *mockProcessManager) add(pid int, p fakeProc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[pid] = &p
}

func (m *mockProcessManager) remove(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, pid)
}

func (m *mockProcessManager) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.signals...)
}

// tier orders the teardown signals by severity.
func tier(sig syscall.Signal) int {
	switch sig {
	case syscall.SIGINT:
		return 1
	case syscall.SIGTERM:
		return 2
	case syscall.SIGKILL:
		return 3
	default:
		return 0
	}
}

// deliver applies sig to pid. Caller holds mu.
func (m *mockProcessManager) deliver(pid int, sig syscall.Signal) {
	p := m.procs[pid]
	if p.diesOn != 0 && tier(sig) > 0 && tier(sig) >= tier(p.diesOn) {
		delete(m.procs, pid)
	}
}

func (m *mockProcessManager) FindByName(name string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pids []int
	for pid, p := range m.procs {
		if p.name == name {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (m *mockProcessManager) Signal(pid int, sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok {
		return syscall.ESRCH
	}
	if p.denied {
		return syscall.EPERM
	}
	m.signals = append(m.signals, fmt.Sprintf("%d:%s", pid, signalName(sig)))
	m.deliver(pid, sig)
	return nil
}

func (m *mockProcessManager) SignalGroup(pgid int, sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var members []int
	denied := false
	for pid, p := range m.procs {
		if p.pgid == pgid {
			members = append(members, pid)
			denied = denied || p.denied
		}
	}
	if len(members) == 0 {
		return syscall.ESRCH
	}
	if denied {
		return syscall.EPERM
	}
	if sig == 0 {
		return nil
	}
	m.signals = append(m.signals, fmt.Sprintf("-%d:%s", pgid, signalName(sig)))
	for _, pid := range members {
		m.deliver(pid, sig)
	}
	return nil
}

func (m *mockProcessManager) GetPGID(pid int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok {
		return 0, syscall.ESRCH
	}
	return p.pgid, nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[pid]
	return ok
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

// mockCommandRunner records helper commands instead of running them.
type mockCommandRunner struct {
	mu     sync.Mutex
	calls  []string
	stdout map[string][]byte // keyed by command name
	errs   map[string]error
	// onRun, when set, is invoked for every command (e.g. to emulate pkill).
	onRun func(name string, args []string)
}

func newMockCommandRunner() *mockCommandRunner {
	return &mockCommandRunner{stdout: map[string][]byte{}, errs: map[string]error{}}
}

func (r *mockCommandRunner) Run(ctx context.Context, privileged bool, name string, args ...string) (domain.CommandOutput, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	out := domain.CommandOutput{Stdout: r.stdout[name]}
	err := r.errs[name]
	onRun := r.onRun
	r.mu.Unlock()

	if onRun != nil {
		onRun(name, args)
	}
	if err != nil {
		out.ExitCode = 1
	}
	return out, err
}

func (r *mockCommandRunner) Wrap(privileged bool, name string, args ...string) []string {
	return append([]string{name}, args...)
}

func (r *mockCommandRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

var errDenied = errors.New("sudo: a password is required")

// memoryRegistry is an in-memory domain.SessionRegistry.
type memoryRegistry struct {
	session *domain.CaptureSession
	cleared int
}

func (r *memoryRegistry) Save(s domain.CaptureSession) error {
	r.session = &s
	return nil
}

func (r *memoryRegistry) Load() (*domain.CaptureSession, error) {
	return r.session, nil
}

func (r *memoryRegistry) Clear() error {
	r.session = nil
	r.cleared++
	return nil
}

func (r *memoryRegistry) GetRegistryPath() string { return "memory" }
