package domain

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// ProcessManager handles OS process-table operations.
// Implementation: uses gopsutil for the process table.
type ProcessManager interface {
	// FindByName returns PIDs of processes whose executable name equals name.
	FindByName(name string) ([]int, error)

	// Signal sends sig to a single PID.
	Signal(pid int, sig syscall.Signal) error

	// SignalGroup sends sig to every member of a process group.
	SignalGroup(pgid int, sig syscall.Signal) error

	// GetPGID returns the process group of pid.
	GetPGID(pid int) (int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// ProcessHandle is a process started by a ProcessSupervisor.
type ProcessHandle interface {
	// PID returns the OS process id (0 if never started).
	PID() int

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// Result returns the exit result, or nil while the process is running.
	Result() *ProcessResult
}

// ProcessSupervisor launches, monitors and terminates external binaries.
type ProcessSupervisor interface {
	// Spawn starts the process described by spec.
	Spawn(spec ProcessSpec) (ProcessHandle, error)

	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context, h ProcessHandle) (*ProcessResult, error)

	// Stop sends a graceful termination signal, waits up to the configured
	// timeout and then kills. Safe on exited or nil handles (no-op).
	Stop(h ProcessHandle) error
}

// CommandOutput is the captured result of a short-lived helper command.
type CommandOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner runs short-lived helper commands (dmesg, pkill),
// optionally with elevated privilege.
type CommandRunner interface {
	Run(ctx context.Context, privileged bool, name string, args ...string) (CommandOutput, error)

	// Wrap returns the argv that would run name with elevated privilege.
	Wrap(privileged bool, name string, args ...string) []string
}

// CaptureManager owns the packet-capture process for one trial at a time.
type CaptureManager interface {
	// Start launches a capture in its own process group and waits the settle time.
	Start(ctx context.Context, cfg CaptureConfig) error

	// Stop tears down every capture process for the tool, escalating signals.
	// It returns PIDs that survived the final kill tier.
	Stop(ctx context.Context) (survivors []int, err error)

	// Active returns the current session, or nil.
	Active() *CaptureSession
}

// KernelLog controls the kernel ring buffer.
type KernelLog interface {
	Clear(ctx context.Context) error
	Snapshot(ctx context.Context, path string) error
}

// Telemetry is the privileged capability the request-service state machine needs.
// The core never sees how the commands are invoked.
type Telemetry interface {
	ClearKernelLog(ctx context.Context) error
	SnapshotKernelLog(ctx context.Context, path string) error
	StartCapture(ctx context.Context, cfg CaptureConfig) error
	StopCapture(ctx context.Context) error
}

// SessionRegistry persists the active capture session across coordinator restarts.
// Implementation: JSON file with flock + atomic rename.
type SessionRegistry interface {
	Save(session CaptureSession) error
	Load() (*CaptureSession, error)
	Clear() error
	GetRegistryPath() string
}

// TrialRecorder appends one RequestLogRecord per trial.
type TrialRecorder interface {
	Record(rec RequestLogRecord) error
}

// ErrTrialNotFound is returned by GetServed for an unknown id.
var ErrTrialNotFound = errors.New("trial not found")

// ServedTrialStore keeps coordinator-side trial history.
type ServedTrialStore interface {
	SaveServed(ctx context.Context, trial ServedTrial) error
	RecentServed(ctx context.Context, limit int) ([]ServedTrial, error)
	GetServed(ctx context.Context, id string) (*ServedTrial, error)
}

// ArtifactLayout names the per-trial output files.
type ArtifactLayout interface {
	CapturePath(trial TrialSpec, n int, at time.Time) string
	KernelLogPath(trial TrialSpec, n int, at time.Time) string
	ServerPerfLogPath(trial TrialSpec, n int, at time.Time) string
	ClientPerfLogPath(trial TrialSpec, n int, at time.Time) string
	Ensure() error
}

// CompletionNotifier is the coordination connection seen by the state machine.
// It is nil in the nocomm variant. NotifyReady is sent once, then exactly one of
// NotifyCompleted or NotifyError.
type CompletionNotifier interface {
	NotifyReady() error
	NotifyCompleted() error
	NotifyError(detail string) error
	Close() error
}
