package infra

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// PrivilegedTelemetry implements domain.Telemetry on top of the capture manager
// and the kernel-log adapter. Either may be nil to disable that telemetry.
type PrivilegedTelemetry struct {
	capture   domain.CaptureManager
	kernelLog domain.KernelLog
	logger    *zap.Logger
}

// NewPrivilegedTelemetry creates the telemetry capability used by the trial service.
func NewPrivilegedTelemetry(capture domain.CaptureManager, kernelLog domain.KernelLog, logger *zap.Logger) *PrivilegedTelemetry {
	return &PrivilegedTelemetry{
		capture:   capture,
		kernelLog: kernelLog,
		logger:    logger,
	}
}

func (t *PrivilegedTelemetry) ClearKernelLog(ctx context.Context) error {
	if t.kernelLog == nil {
		return nil
	}
	return t.kernelLog.Clear(ctx)
}

func (t *PrivilegedTelemetry) SnapshotKernelLog(ctx context.Context, path string) error {
	if t.kernelLog == nil {
		return nil
	}
	return t.kernelLog.Snapshot(ctx, path)
}

func (t *PrivilegedTelemetry) StartCapture(ctx context.Context, cfg domain.CaptureConfig) error {
	if t.capture == nil {
		return nil
	}
	return t.capture.Start(ctx, cfg)
}

// StopCapture runs the escalating teardown. Survivors are a warning, not an error.
func (t *PrivilegedTelemetry) StopCapture(ctx context.Context) error {
	if t.capture == nil {
		return nil
	}
	survivors, err := t.capture.Stop(ctx)
	if len(survivors) > 0 {
		t.logger.Warn("capture teardown left survivors", zap.Ints("pids", survivors))
	}
	if err != nil {
		return fmt.Errorf("capture teardown: %w", err)
	}
	return nil
}

// Ensure PrivilegedTelemetry implements domain.Telemetry.
var _ domain.Telemetry = (*PrivilegedTelemetry)(nil)
