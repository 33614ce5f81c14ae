package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// fakeTrialServer acts out the notifier protocol and tracks concurrency.
type fakeTrialServer struct {
	mu        sync.Mutex
	hold      time.Duration
	trials    []domain.TrialSpec
	awaiting  int
	active    int
	maxActive int
	fail      bool
}

func (f *fakeTrialServer) MarkAwaiting() {
	f.mu.Lock()
	f.awaiting++
	f.mu.Unlock()
}

func (f *fakeTrialServer) Serve(ctx context.Context, trial domain.TrialSpec, notifier domain.CompletionNotifier) domain.TrialOutcome {
	f.mu.Lock()
	f.trials = append(f.trials, trial)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	out := domain.TrialOutcome{ID: uuid.NewString(), Trial: trial, StartedAt: time.Now()}
	if notifier != nil {
		if err := notifier.NotifyReady(); err != nil {
			out.Err = err
			notifier.Close()
			return out
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	code := 0
	if f.fail {
		code = 1
	}
	out.Process = &domain.ProcessResult{ExitCode: code, StartedAt: out.StartedAt, EndedAt: time.Now()}
	if notifier != nil {
		notifier.NotifyCompleted()
		notifier.Close()
	}
	out.EndedAt = time.Now()
	return out
}

func (f *fakeTrialServer) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeTrialServer) served() []domain.TrialSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TrialSpec(nil), f.trials...)
}

type mockTelemetry struct {
	mu    sync.Mutex
	stops int
}

func (m *mockTelemetry) ClearKernelLog(ctx context.Context) error                         { return nil }
func (m *mockTelemetry) SnapshotKernelLog(ctx context.Context, path string) error         { return nil }
func (m *mockTelemetry) StartCapture(ctx context.Context, cfg domain.CaptureConfig) error { return nil }
func (m *mockTelemetry) StopCapture(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.stops++
	return nil
}

func (m *mockTelemetry) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

type mockStore struct {
	mu    sync.Mutex
	saved []domain.ServedTrial
	err   error
}

func (m *mockStore) SaveServed(ctx context.Context, trial domain.ServedTrial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, trial)
	return nil
}

func (m *mockStore) RecentServed(ctx context.Context, limit int) ([]domain.ServedTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ServedTrial(nil), m.saved...), nil
}

func (m *mockStore) GetServed(ctx context.Context, id string) (*domain.ServedTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.saved {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, domain.ErrTrialNotFound
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type mockRecorder struct {
	mu      sync.Mutex
	records []domain.RequestLogRecord
}

func (m *mockRecorder) Record(rec domain.RequestLogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockRecorder) all() []domain.RequestLogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RequestLogRecord(nil), m.records...)
}

// fakeHandle is a process that has already exited.
type fakeHandle struct {
	result *domain.ProcessResult
	done   chan struct{}
}

func (h *fakeHandle) PID() int                      { return h.result.PID }
func (h *fakeHandle) Done() <-chan struct{}         { return h.done }
func (h *fakeHandle) Result() *domain.ProcessResult { return h.result }

// mockSupervisor runs every spawn as an instant process lasting one second.
type mockSupervisor struct {
	mu       sync.Mutex
	spawnErr error
	exitCode int
	spawned  []domain.ProcessSpec
}

func (m *mockSupervisor) Spawn(spec domain.ProcessSpec) (domain.ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	m.spawned = append(m.spawned, spec)
	now := time.Now()
	h := &fakeHandle{
		result: &domain.ProcessResult{PID: 4000 + len(m.spawned), ExitCode: m.exitCode, StartedAt: now.Add(-time.Second), EndedAt: now},
		done:   make(chan struct{}),
	}
	close(h.done)
	return h, nil
}

func (m *mockSupervisor) Wait(ctx context.Context, h domain.ProcessHandle) (*domain.ProcessResult, error) {
	if h == nil {
		return nil, errors.New("nil handle")
	}
	return h.Result(), nil
}

func (m *mockSupervisor) Stop(h domain.ProcessHandle) error { return nil }

func (m *mockSupervisor) specs() []domain.ProcessSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProcessSpec(nil), m.spawned...)
}
