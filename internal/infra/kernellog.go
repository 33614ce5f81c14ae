package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// DmesgKernelLog implements domain.KernelLog with dmesg.
type DmesgKernelLog struct {
	runner domain.CommandRunner
	binary string
}

// NewDmesgKernelLog creates a kernel-log adapter around the dmesg binary.
func NewDmesgKernelLog(runner domain.CommandRunner) *DmesgKernelLog {
	return NewDmesgKernelLogWithBinary(runner, "dmesg")
}

// NewDmesgKernelLogWithBinary uses a custom dmesg-compatible binary (for testing).
func NewDmesgKernelLogWithBinary(runner domain.CommandRunner, binary string) *DmesgKernelLog {
	return &DmesgKernelLog{runner: runner, binary: binary}
}

// Clear empties the kernel ring buffer (dmesg -C).
func (k *DmesgKernelLog) Clear(ctx context.Context) error {
	if _, err := k.runner.Run(ctx, true, k.binary, "-C"); err != nil {
		return fmt.Errorf("failed to clear kernel log: %w", err)
	}
	return nil
}

// Snapshot writes the current ring buffer contents to path.
func (k *DmesgKernelLog) Snapshot(ctx context.Context, path string) error {
	out, err := k.runner.Run(ctx, true, k.binary)
	if err != nil {
		return fmt.Errorf("failed to read kernel log: %w", err)
	}
	if err := os.WriteFile(path, out.Stdout, 0644); err != nil {
		return fmt.Errorf("failed to write kernel log snapshot: %w", err)
	}
	return nil
}

// Ensure DmesgKernelLog implements domain.KernelLog.
var _ domain.KernelLog = (*DmesgKernelLog)(nil)
