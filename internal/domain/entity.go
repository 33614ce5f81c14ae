// Package domain contains core entities and interfaces for ccbench.
// This is the innermost layer - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// Status is the tagged status carried by a CoordinationResponse.
type Status string

const (
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// CoordinationRequest is sent by the Requester once per trial.
type CoordinationRequest struct {
	Algorithm string `json:"algorithm"`
	Size      int64  `json:"size"`
}

// Validate rejects requests with a missing algorithm or a non-positive size.
func (r CoordinationRequest) Validate() error {
	if r.Algorithm == "" {
		return fmt.Errorf("algorithm is required")
	}
	if r.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", r.Size)
	}
	return nil
}

// CoordinationResponse is sent by the Coordinator: one ready, then one completed
// (or error) per accepted request.
type CoordinationResponse struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Validate checks the status tag and that detail only accompanies errors.
func (r CoordinationResponse) Validate() error {
	switch r.Status {
	case StatusReady, StatusCompleted:
		if r.Detail != "" {
			return fmt.Errorf("detail not allowed with status %q", r.Status)
		}
		return nil
	case StatusError:
		return nil
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
}

// TrialSpec is one (algorithm, size) entry of a cycle plan.
type TrialSpec struct {
	Algorithm string
	Size      int64 // bytes
}

// SizeKB returns the size in whole kilobytes.
func (t TrialSpec) SizeKB() int64 {
	return t.Size / 1024
}

func (t TrialSpec) String() string {
	return fmt.Sprintf("%s/%d", t.Algorithm, t.Size)
}

// TransferSpec is one invocation of an external data-transfer binary, expressed in
// terms of its named parameters. Host is empty for the sending side.
type TransferSpec struct {
	Binary    string
	ExtraArgs []string
	WorkDir   string
	Env       []string
	RunAsUser string
	Host      string
	Port      int
	Algorithm string
	Size      int64 // zero when the binary does not take a size
	PerfLog   string
}

// ProcessSpec is a fully resolved command line for the process supervisor.
type ProcessSpec struct {
	Command    string
	Args       []string
	WorkDir    string
	Env        []string // appended to the current environment
	RunAsUser  string   // empty: run with the caller's identity
	Label      string
	OutputTail int // bytes of stdout/stderr to retain; zero means default
}

// ProcessResult is what the supervisor reports once a process has exited.
type ProcessResult struct {
	PID       int
	ExitCode  int // -1 when killed by a signal or never started
	Signaled  bool
	StartedAt time.Time
	EndedAt   time.Time
	Stdout    string
	Stderr    string
}

// Success reports whether the process exited normally with code 0.
func (r ProcessResult) Success() bool {
	return !r.Signaled && r.ExitCode == 0
}

// Duration returns the wall-clock runtime of the process.
func (r ProcessResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// CaptureConfig scopes one packet-capture session.
type CaptureConfig struct {
	Interface  string
	OutputPath string
	Port       int
	SnapLen    int
}

// CaptureSession is the state of the active capture, persisted so that a restarted
// coordinator can find a capture group left behind by a previous run.
type CaptureSession struct {
	Interface  string    `json:"interface"`
	OutputPath string    `json:"output_path"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	PGID       int       `json:"pgid"`
	ToolName   string    `json:"tool_name"`
	StartedAt  time.Time `json:"started_at"`
}

// ServiceState is the coordinator's request-service state.
type ServiceState string

const (
	StateAwaitRequest        ServiceState = "AWAIT_REQUEST"
	StateReadySent           ServiceState = "READY_SENT"
	StateCapturingAndRunning ServiceState = "CAPTURING_AND_RUNNING"
	StateDraining            ServiceState = "DRAINING"
	StateIdle                ServiceState = "IDLE"
)

// RequestLogRecord is one row per completed or failed trial on the requester side.
type RequestLogRecord struct {
	ID               string
	Timestamp        time.Time
	StartTime        time.Time
	ServerAlgorithm  string
	ClientAlgorithm  string
	RequestSizeBytes int64
	DurationSeconds  float64
	Success          bool
	ThroughputKbps   *float64
	CompletionNotice bool
	Skipped          bool // negotiation failed, no transfer attempted
	Cycle            int
	RequestNumber    int
}

// RequestSizeKB returns the request size in whole kilobytes.
func (r RequestLogRecord) RequestSizeKB() int64 {
	return r.RequestSizeBytes / 1024
}

// ServedTrial is the coordinator-side record of one serviced request.
type ServedTrial struct {
	ID          string    `db:"id" json:"id"`
	Role        string    `db:"role" json:"role"`
	Algorithm   string    `db:"algorithm" json:"algorithm"`
	Size        int64     `db:"size" json:"size"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	EndedAt     time.Time `db:"ended_at" json:"ended_at"`
	ExitCode    int       `db:"exit_code" json:"exit_code"`
	Success     bool      `db:"success" json:"success"`
	CapturePath string    `db:"capture_path" json:"capture_path"`
	KernelLog   string    `db:"kernel_log" json:"kernel_log"`
	PerfLog     string    `db:"perf_log" json:"perf_log"`
	Error       string    `db:"error" json:"error"`
}

// TrialOutcome is what the request-service state machine reports for one trial.
type TrialOutcome struct {
	ID          string
	Trial       TrialSpec
	Process     *ProcessResult
	CapturePath string
	KernelLog   string
	PerfLog     string
	Err         error   // fatal to the trial (spawn failure, cancellation)
	Cleanup     []error // best-effort teardown failures, never fatal
	StartedAt   time.Time
	EndedAt     time.Time
}

// Success reports whether the transfer process ran and exited cleanly.
func (o TrialOutcome) Success() bool {
	return o.Err == nil && o.Process != nil && o.Process.Success()
}
