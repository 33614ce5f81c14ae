// Package usecase contains the request-service state machine and transfer execution.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// TrialServiceConfig describes how the coordinator serves one trial.
type TrialServiceConfig struct {
	// Sender is the template for the sending binary; Algorithm, Size and
	// PerfLog are filled per trial.
	Sender domain.TransferSpec
	// SizeAware passes the negotiated size to the sender.
	SizeAware bool
	// PerfLog writes a per-trial server perf log into the artifact directory.
	PerfLog bool

	Interface string
	SnapLen   int
	// DataPort is the capture filter port. Defaults to Sender.Port.
	DataPort int

	// DrainDelay waits after the transfer exits before capture stops.
	DrainDelay time.Duration
}

// ServiceSnapshot is a point-in-time view for status reporting.
type ServiceSnapshot struct {
	State   domain.ServiceState `json:"state"`
	Current *domain.TrialSpec   `json:"current,omitempty"`
	Served  int64               `json:"served"` // finished trials that got past ready
	Failed  int64               `json:"failed"` // subset of Served that did not succeed
	LastID  string              `json:"last_id,omitempty"`
}

// TrialService runs one trial at a time:
// ready, clear kernel log, start capture, spawn sender, wait, drain,
// stop capture, snapshot kernel log, completion notice, close.
type TrialService struct {
	cfg        TrialServiceConfig
	supervisor domain.ProcessSupervisor
	telemetry  domain.Telemetry
	artifacts  domain.ArtifactLayout
	logger     *zap.Logger

	state  atomic.Value // domain.ServiceState
	seq    atomic.Int64 // perf-log and artifact numbering
	served atomic.Int64
	failed atomic.Int64

	mu      sync.Mutex
	current *domain.TrialSpec
	lastID  string
}

// NewTrialService creates the request-service state machine.
func NewTrialService(
	cfg TrialServiceConfig,
	supervisor domain.ProcessSupervisor,
	telemetry domain.Telemetry,
	artifacts domain.ArtifactLayout,
	logger *zap.Logger,
) *TrialService {
	if cfg.DataPort == 0 {
		cfg.DataPort = cfg.Sender.Port
	}
	s := &TrialService{
		cfg:        cfg,
		supervisor: supervisor,
		telemetry:  telemetry,
		artifacts:  artifacts,
		logger:     logger,
	}
	s.state.Store(domain.StateAwaitRequest)
	return s
}

// State returns the current service state.
func (s *TrialService) State() domain.ServiceState {
	return s.state.Load().(domain.ServiceState)
}

// MarkAwaiting moves IDLE back to AWAIT_REQUEST before the next accept.
func (s *TrialService) MarkAwaiting() {
	s.setState(domain.StateAwaitRequest)
}

// Snapshot returns counters and the trial in service, if any.
func (s *TrialService) Snapshot() ServiceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := ServiceSnapshot{
		State:  s.State(),
		Served: s.served.Load(),
		Failed: s.failed.Load(),
		LastID: s.lastID,
	}
	if s.current != nil {
		t := *s.current
		snap.Current = &t
	}
	return snap
}

func (s *TrialService) setState(st domain.ServiceState) {
	prev := s.state.Swap(st)
	if prev != st {
		s.logger.Debug("service state", zap.Any("from", prev), zap.String("to", string(st)))
	}
}

// Serve runs one trial. notifier is nil for the nocomm variant. Failures are
// reported in the outcome; teardown is always attempted in full, including when
// ctx is cancelled mid-trial.
func (s *TrialService) Serve(ctx context.Context, trial domain.TrialSpec, notifier domain.CompletionNotifier) domain.TrialOutcome {
	startedAt := time.Now()
	n := int(s.seq.Add(1))
	readySent := false

	out := domain.TrialOutcome{
		ID:        uuid.NewString(),
		Trial:     trial,
		StartedAt: startedAt,
	}
	log := s.logger.With(
		zap.String("trial_id", out.ID),
		zap.String("algorithm", trial.Algorithm),
		zap.Int64("size", trial.Size))

	s.mu.Lock()
	s.current = &trial
	s.lastID = out.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		if readySent {
			s.served.Add(1)
			if !out.Success() {
				s.failed.Add(1)
			}
		}
		s.setState(domain.StateIdle)
	}()

	s.setState(domain.StateReadySent)
	if notifier != nil {
		if err := notifier.NotifyReady(); err != nil {
			log.Error("failed to send ready", zap.String("step", "ready"), zap.Error(err))
			out.Err = fmt.Errorf("send ready: %w", err)
			if cerr := notifier.Close(); cerr != nil {
				out.Cleanup = append(out.Cleanup, cerr)
			}
			out.EndedAt = time.Now()
			return out
		}
	}
	readySent = true
	log.Info("trial started", zap.Int("seq", n))

	if s.artifacts != nil {
		if err := s.artifacts.Ensure(); err != nil {
			log.Warn("artifact directory unavailable", zap.String("step", "artifacts"), zap.Error(err))
			out.Cleanup = append(out.Cleanup, err)
		} else {
			out.CapturePath = s.artifacts.CapturePath(trial, n, startedAt)
			out.KernelLog = s.artifacts.KernelLogPath(trial, n, startedAt)
			if s.cfg.PerfLog {
				out.PerfLog = s.artifacts.ServerPerfLogPath(trial, n, startedAt)
			}
		}
	}

	// Telemetry failures (typically privilege) are warnings; the trial continues without it.
	if err := s.telemetry.ClearKernelLog(ctx); err != nil {
		log.Warn("kernel log clear failed", zap.String("step", "clear_kernel_log"), zap.Error(err))
		out.Cleanup = append(out.Cleanup, err)
	}
	if out.CapturePath != "" {
		err := s.telemetry.StartCapture(ctx, domain.CaptureConfig{
			Interface:  s.cfg.Interface,
			OutputPath: out.CapturePath,
			Port:       s.cfg.DataPort,
			SnapLen:    s.cfg.SnapLen,
		})
		if err != nil {
			log.Warn("capture start failed", zap.String("step", "start_capture"), zap.Error(err))
			out.Cleanup = append(out.Cleanup, err)
			out.CapturePath = ""
		}
	}

	sender := s.cfg.Sender
	sender.Algorithm = trial.Algorithm
	sender.Size = 0
	if s.cfg.SizeAware {
		sender.Size = trial.Size
	}
	sender.PerfLog = out.PerfLog

	var h domain.ProcessHandle
	if ctx.Err() != nil {
		out.Err = ctx.Err()
	} else {
		var err error
		h, err = s.supervisor.Spawn(ProcessSpecFor(sender, "sender", SenderArgs))
		if err != nil {
			log.Error("failed to spawn sender", zap.String("step", "spawn"), zap.Error(err))
			out.Err = fmt.Errorf("spawn sender: %w", err)
		}
	}

	if h != nil {
		s.setState(domain.StateCapturingAndRunning)
		res, err := s.supervisor.Wait(ctx, h)
		if err != nil {
			log.Warn("trial interrupted", zap.String("step", "wait"), zap.Error(err))
			out.Err = fmt.Errorf("wait for sender: %w", err)
		} else {
			out.Process = res
			if !res.Success() {
				log.Warn("sender exited with failure",
					zap.String("step", "transfer"),
					zap.Int("exit_code", res.ExitCode),
					zap.Bool("signaled", res.Signaled),
					zap.String("stderr", tailString(res.Stderr, 512)))
			} else {
				log.Info("sender exited", zap.Duration("duration", res.Duration()))
			}
		}
	}

	s.setState(domain.StateDraining)
	if out.Err == nil && s.cfg.DrainDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.DrainDelay):
		}
	}
	out.Cleanup = append(out.Cleanup, s.teardown(ctx, h, &out, log)...)

	if notifier != nil {
		var err error
		if out.Err == nil {
			err = notifier.NotifyCompleted()
		} else {
			err = notifier.NotifyError(out.Err.Error())
		}
		if err != nil {
			log.Warn("failed to send completion notice", zap.String("step", "notify"), zap.Error(err))
			out.Cleanup = append(out.Cleanup, err)
		}
		if err := notifier.Close(); err != nil {
			out.Cleanup = append(out.Cleanup, err)
		}
	}

	out.EndedAt = time.Now()
	log.Info("trial finished",
		zap.Bool("success", out.Success()),
		zap.Duration("elapsed", out.EndedAt.Sub(out.StartedAt)),
		zap.Int("cleanup_errors", len(out.Cleanup)))
	return out
}

// teardown stops the sender and the capture and snapshots the kernel log.
// Every step runs regardless of earlier failures or cancellation.
func (s *TrialService) teardown(ctx context.Context, h domain.ProcessHandle, out *domain.TrialOutcome, log *zap.Logger) []error {
	tctx := context.WithoutCancel(ctx)
	var errs []error

	if h != nil {
		if err := s.supervisor.Stop(h); err != nil {
			log.Warn("failed to stop sender", zap.String("step", "stop_sender"), zap.Error(err))
			errs = append(errs, err)
		}
		if out.Process == nil {
			out.Process = h.Result()
		}
	}

	if err := s.telemetry.StopCapture(tctx); err != nil {
		log.Warn("capture teardown failed", zap.String("step", "stop_capture"), zap.Error(err))
		errs = append(errs, err)
	}

	if out.KernelLog != "" {
		if err := s.telemetry.SnapshotKernelLog(tctx, out.KernelLog); err != nil {
			log.Warn("kernel log snapshot failed", zap.String("step", "snapshot_kernel_log"), zap.Error(err))
			errs = append(errs, err)
			out.KernelLog = ""
		}
	}
	return errs
}

// ServedTrialFrom converts an outcome into the persisted coordinator record.
func ServedTrialFrom(out domain.TrialOutcome, role string) domain.ServedTrial {
	st := domain.ServedTrial{
		ID:          out.ID,
		Role:        role,
		Algorithm:   out.Trial.Algorithm,
		Size:        out.Trial.Size,
		StartedAt:   out.StartedAt,
		EndedAt:     out.EndedAt,
		ExitCode:    -1,
		Success:     out.Success(),
		CapturePath: out.CapturePath,
		KernelLog:   out.KernelLog,
		PerfLog:     out.PerfLog,
	}
	if out.Process != nil {
		st.ExitCode = out.Process.ExitCode
	}
	var errs []error
	if out.Err != nil {
		errs = append(errs, out.Err)
	}
	errs = append(errs, out.Cleanup...)
	if err := errors.Join(errs...); err != nil {
		st.Error = err.Error()
	}
	return st
}
