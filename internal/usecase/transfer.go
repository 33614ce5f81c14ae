package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// SenderArgs builds the argv (without the binary) for the sending side:
// --port --cong [--size] [extra...] [--perf-log].
func SenderArgs(spec domain.TransferSpec) []string {
	args := []string{
		"--port=" + strconv.Itoa(spec.Port),
		"--cong=" + spec.Algorithm,
	}
	if spec.Size > 0 {
		args = append(args, "--size="+strconv.FormatInt(spec.Size, 10))
	}
	args = append(args, spec.ExtraArgs...)
	if spec.PerfLog != "" {
		args = append(args, "--perf-log="+spec.PerfLog)
	}
	return args
}

// ReceiverArgs builds the argv (without the binary) for the receiving side:
// --ip --port --size --cong [extra...] [--perf-log].
func ReceiverArgs(spec domain.TransferSpec) []string {
	args := []string{
		"--ip=" + spec.Host,
		"--port=" + strconv.Itoa(spec.Port),
	}
	if spec.Size > 0 {
		args = append(args, "--size="+strconv.FormatInt(spec.Size, 10))
	}
	args = append(args, "--cong="+spec.Algorithm)
	args = append(args, spec.ExtraArgs...)
	if spec.PerfLog != "" {
		args = append(args, "--perf-log="+spec.PerfLog)
	}
	return args
}

// ProcessSpecFor resolves a TransferSpec into a supervisor ProcessSpec using build.
func ProcessSpecFor(spec domain.TransferSpec, label string, build func(domain.TransferSpec) []string) domain.ProcessSpec {
	return domain.ProcessSpec{
		Command:   spec.Binary,
		Args:      build(spec),
		WorkDir:   spec.WorkDir,
		Env:       spec.Env,
		RunAsUser: spec.RunAsUser,
		Label:     label,
	}
}

// ThroughputKbps returns size_kb*8/seconds, or nil for a non-positive duration.
func ThroughputKbps(sizeBytes int64, d time.Duration) *float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return nil
	}
	v := float64(sizeBytes/1024) * 8 / secs
	return &v
}

// TransferResult is the requester-side view of one transfer run.
type TransferResult struct {
	Process        *domain.ProcessResult
	StartedAt      time.Time
	Duration       time.Duration
	Success        bool
	ThroughputKbps *float64
}

// TransferRunner runs the receiving transfer binary to completion.
type TransferRunner struct {
	supervisor domain.ProcessSupervisor
	logger     *zap.Logger
}

// NewTransferRunner creates a requester-side transfer runner.
func NewTransferRunner(supervisor domain.ProcessSupervisor, logger *zap.Logger) *TransferRunner {
	return &TransferRunner{supervisor: supervisor, logger: logger}
}

// Run spawns the receiver and waits for it. Cancelling ctx stops the process.
// A non-zero exit is reported through TransferResult.Success, not as an error.
func (r *TransferRunner) Run(ctx context.Context, spec domain.TransferSpec) (*TransferResult, error) {
	startedAt := time.Now()
	h, err := r.supervisor.Spawn(ProcessSpecFor(spec, "receiver", ReceiverArgs))
	if err != nil {
		r.logger.Error("failed to start transfer",
			zap.String("step", "spawn"),
			zap.String("binary", spec.Binary),
			zap.Error(err))
		return &TransferResult{StartedAt: startedAt}, fmt.Errorf("failed to spawn receiver: %w", err)
	}

	res, err := r.supervisor.Wait(ctx, h)
	if err != nil {
		stopErr := r.supervisor.Stop(h)
		return &TransferResult{StartedAt: startedAt, Duration: time.Since(startedAt), Process: h.Result()},
			errors.Join(fmt.Errorf("transfer interrupted: %w", err), stopErr)
	}

	out := &TransferResult{
		Process:   res,
		StartedAt: startedAt,
		Duration:  res.Duration(),
		Success:   res.Success(),
	}
	if out.Success {
		out.ThroughputKbps = ThroughputKbps(spec.Size, out.Duration)
		r.logger.Info("transfer completed",
			zap.String("algorithm", spec.Algorithm),
			zap.Int64("size", spec.Size),
			zap.Duration("duration", out.Duration),
			zap.Float64p("throughput_kbps", out.ThroughputKbps))
	} else {
		r.logger.Warn("transfer failed",
			zap.String("step", "transfer"),
			zap.String("algorithm", spec.Algorithm),
			zap.Int64("size", spec.Size),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("signaled", res.Signaled),
			zap.String("stderr", tailString(res.Stderr, 512)))
	}
	return out, nil
}

func tailString(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
