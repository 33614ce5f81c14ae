package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

const (
	// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopTimeout = 5 * time.Second
	// DefaultOutputTail is how many bytes of stdout/stderr a handle retains.
	DefaultOutputTail = 64 * 1024
)

// Supervisor implements domain.ProcessSupervisor with os/exec.
type Supervisor struct {
	stopTimeout time.Duration
	logger      *zap.Logger
}

// NewSupervisor creates a process supervisor with the default stop timeout.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	return NewSupervisorWithTimeout(DefaultStopTimeout, logger)
}

// NewSupervisorWithTimeout creates a supervisor with a custom graceful-stop timeout.
func NewSupervisorWithTimeout(stopTimeout time.Duration, logger *zap.Logger) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Supervisor{stopTimeout: stopTimeout, logger: logger}
}

// processHandle tracks one spawned process. result is written once, before done closes.
type processHandle struct {
	pid    int
	label  string
	cmd    *exec.Cmd
	done   chan struct{}
	result *domain.ProcessResult
}

func (h *processHandle) PID() int { return h.pid }

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Result() *domain.ProcessResult {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Spawn starts the process. When spec.RunAsUser is set the command runs under
// sudo as that user with the current environment preserved.
func (s *Supervisor) Spawn(spec domain.ProcessSpec) (domain.ProcessHandle, error) {
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}

	argv := make([]string, 0, len(spec.Args)+7)
	if spec.RunAsUser != "" {
		argv = append(argv, RunAsArgs(spec.RunAsUser)...)
	}
	argv = append(argv, spec.Command)
	argv = append(argv, spec.Args...)

	limit := spec.OutputTail
	if limit <= 0 {
		limit = DefaultOutputTail
	}
	stdout := newTailBuffer(limit)
	stderr := newTailBuffer(limit)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so Stop also reaches helpers the binary forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Orphaned grandchildren holding the output pipes must not block Wait.
	cmd.WaitDelay = 2 * time.Second

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	label := spec.Label
	if label == "" {
		label = spec.Command
	}
	h := &processHandle{
		pid:   cmd.Process.Pid,
		label: label,
		cmd:   cmd,
		done:  make(chan struct{}),
	}

	s.logger.Info("process started",
		zap.String("label", label),
		zap.Int("pid", h.pid),
		zap.Strings("argv", argv),
		zap.String("cwd", spec.WorkDir))

	go func() {
		waitErr := cmd.Wait()
		res := &domain.ProcessResult{
			PID:       h.pid,
			ExitCode:  -1,
			StartedAt: startedAt,
			EndedAt:   time.Now(),
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
			if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.Signaled = true
			}
		}
		if waitErr != nil && cmd.ProcessState == nil {
			s.logger.Warn("process wait failed", zap.String("label", label), zap.Error(waitErr))
		}
		h.result = res
		close(h.done)
	}()

	return h, nil
}

// Wait blocks until the process exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, h domain.ProcessHandle) (*domain.ProcessResult, error) {
	if h == nil {
		return nil, errors.New("nil process handle")
	}
	select {
	case <-h.Done():
		return h.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the process gracefully, escalating to SIGKILL after the timeout.
// It is a no-op for nil handles and for processes that already exited.
func (s *Supervisor) Stop(h domain.ProcessHandle) error {
	if h == nil || h.PID() == 0 {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	default:
	}

	ph, ok := h.(*processHandle)
	if !ok {
		return fmt.Errorf("foreign process handle for pid %d", h.PID())
	}

	s.logger.Info("stopping process", zap.String("label", ph.label), zap.Int("pid", ph.pid))
	if err := signalTree(ph, syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to send SIGTERM", zap.Int("pid", ph.pid), zap.Error(err))
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-ph.done:
		return nil
	case <-timer.C:
	}

	s.logger.Warn("process ignored SIGTERM, killing",
		zap.String("label", ph.label),
		zap.Int("pid", ph.pid),
		zap.Duration("waited", s.stopTimeout))
	if err := signalTree(ph, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", ph.pid, err)
	}
	<-ph.done
	return nil
}

// signalTree signals the process group led by the handle, falling back to the
// process alone when the group is gone or not ours to signal.
func signalTree(ph *processHandle, sig syscall.Signal) error {
	if err := syscall.Kill(-ph.pid, sig); err == nil {
		return nil
	}
	if err := ph.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Ensure Supervisor implements domain.ProcessSupervisor.
var _ domain.ProcessSupervisor = (*Supervisor)(nil)
