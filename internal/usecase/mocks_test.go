package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// fakeHandle is a process that exits when finish is called.
type fakeHandle struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	result *domain.ProcessResult
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Result() *domain.ProcessResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

func (h *fakeHandle) finish(code int, signaled bool) {
	h.once.Do(func() {
		now := time.Now()
		h.result = &domain.ProcessResult{
			PID:       h.pid,
			ExitCode:  code,
			Signaled:  signaled,
			StartedAt: now.Add(-time.Second),
			EndedAt:   now,
		}
		close(h.done)
	})
}

// mockSupervisor records spawns. exitCode < 0 leaves the process running until Stop.
type mockSupervisor struct {
	mu       sync.Mutex
	spawnErr error
	exitCode int
	running  bool
	spawned  []domain.ProcessSpec
	stopped  int
	handles  []*fakeHandle
	events   *[]string
}

func (m *mockSupervisor) Spawn(spec domain.ProcessSpec) (domain.ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record(m.events, "spawn")
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	m.spawned = append(m.spawned, spec)
	h := newFakeHandle(1000 + len(m.handles))
	m.handles = append(m.handles, h)
	if !m.running {
		h.finish(m.exitCode, false)
	}
	return h, nil
}

func (m *mockSupervisor) Wait(ctx context.Context, h domain.ProcessHandle) (*domain.ProcessResult, error) {
	select {
	case <-h.Done():
		return h.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockSupervisor) Stop(h domain.ProcessHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	default:
	}
	m.stopped++
	record(m.events, "stop_process")
	h.(*fakeHandle).finish(-1, true)
	return nil
}

// mockTelemetry records calls in order.
type mockTelemetry struct {
	clearErr    error
	startErr    error
	stopErr     error
	snapshotErr error
	captures    []domain.CaptureConfig
	snapshots   []string
	stops       int
	events      *[]string
}

func (m *mockTelemetry) ClearKernelLog(ctx context.Context) error {
	record(m.events, "clear_kernel_log")
	return m.clearErr
}

func (m *mockTelemetry) SnapshotKernelLog(ctx context.Context, path string) error {
	record(m.events, "snapshot_kernel_log")
	m.snapshots = append(m.snapshots, path)
	return m.snapshotErr
}

func (m *mockTelemetry) StartCapture(ctx context.Context, cfg domain.CaptureConfig) error {
	record(m.events, "start_capture")
	m.captures = append(m.captures, cfg)
	return m.startErr
}

func (m *mockTelemetry) StopCapture(ctx context.Context) error {
	record(m.events, "stop_capture")
	m.stops++
	if ctx.Err() != nil {
		return errors.New("teardown ran with a cancelled context")
	}
	return m.stopErr
}

// mockNotifier records notices.
type mockNotifier struct {
	readyErr error
	notices  []string
	closed   int
	events   *[]string
}

func (m *mockNotifier) NotifyReady() error {
	record(m.events, "ready")
	m.notices = append(m.notices, "ready")
	return m.readyErr
}

func (m *mockNotifier) NotifyCompleted() error {
	record(m.events, "completed")
	m.notices = append(m.notices, "completed")
	return nil
}

func (m *mockNotifier) NotifyError(detail string) error {
	record(m.events, "error")
	m.notices = append(m.notices, "error:"+detail)
	return nil
}

func (m *mockNotifier) Close() error {
	record(m.events, "close")
	m.closed++
	return nil
}

// mockArtifacts returns fixed names.
type mockArtifacts struct {
	ensureErr error
	seqs      []int // n passed to CapturePath, per trial
}

func (m *mockArtifacts) CapturePath(t domain.TrialSpec, n int, at time.Time) string {
	m.seqs = append(m.seqs, n)
	return "/out/" + t.Algorithm + ".pcap"
}

func (m *mockArtifacts) KernelLogPath(t domain.TrialSpec, n int, at time.Time) string {
	return "/out/" + t.Algorithm + "_dmesg.txt"
}

func (m *mockArtifacts) ServerPerfLogPath(t domain.TrialSpec, n int, at time.Time) string {
	return "/out/" + t.Algorithm + "_server.log"
}

func (m *mockArtifacts) ClientPerfLogPath(t domain.TrialSpec, n int, at time.Time) string {
	return "/out/" + t.Algorithm + "_client.log"
}

func (m *mockArtifacts) Ensure() error { return m.ensureErr }

var eventsMu sync.Mutex

func record(events *[]string, e string) {
	if events == nil {
		return
	}
	eventsMu.Lock()
	defer eventsMu.Unlock()
	*events = append(*events, e)
}
