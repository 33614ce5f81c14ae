package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// PrivilegeMode controls how elevated helper commands are invoked.
type PrivilegeMode string

const (
	// PrivilegeAuto prefixes sudo unless already running as root
	PrivilegeAuto PrivilegeMode = "auto"
	// PrivilegeSudo always prefixes sudo
	PrivilegeSudo PrivilegeMode = "sudo"
	// PrivilegeNone runs helpers directly (tests, containers with capabilities)
	PrivilegeNone PrivilegeMode = "none"
)

// ParsePrivilegeMode validates a mode string from config.
func ParsePrivilegeMode(s string) (PrivilegeMode, error) {
	switch PrivilegeMode(s) {
	case PrivilegeAuto, PrivilegeSudo, PrivilegeNone:
		return PrivilegeMode(s), nil
	case "":
		return PrivilegeAuto, nil
	default:
		return "", fmt.Errorf("unknown privilege mode %q (want auto, sudo or none)", s)
	}
}

// ExecModeConfig describes the identity the process runs under.
type ExecModeConfig struct {
	Mode         PrivilegeMode
	IsRoot       bool
	InvokingUser string // SUDO_USER when running under sudo
}

// DetectExecMode determines the privilege situation from the effective UID and SUDO_USER.
func DetectExecMode(mode PrivilegeMode) *ExecModeConfig {
	return &ExecModeConfig{
		Mode:         mode,
		IsRoot:       os.Geteuid() == 0,
		InvokingUser: os.Getenv("SUDO_USER"),
	}
}

// NeedsSudo reports whether privileged commands must be prefixed with sudo.
func (c *ExecModeConfig) NeedsSudo() bool {
	switch c.Mode {
	case PrivilegeSudo:
		return true
	case PrivilegeNone:
		return false
	default:
		return !c.IsRoot
	}
}

// TransferUser returns the account the transfer binary should run as, or ""
// to keep the current identity. Only a root process started via sudo drops to
// the invoking user; capture and kernel-log helpers keep the elevated identity.
func (c *ExecModeConfig) TransferUser() string {
	if !c.IsRoot || c.InvokingUser == "" {
		return ""
	}
	if _, err := user.Lookup(c.InvokingUser); err != nil {
		return ""
	}
	return c.InvokingUser
}

// RunAsArgs returns the sudo prefix that runs a command as u with the caller's environment.
func RunAsArgs(u string) []string {
	return []string{"sudo", "-E", "-u", u, "-H", "--"}
}

// CommandRunnerImpl implements domain.CommandRunner with os/exec.
type CommandRunnerImpl struct {
	execMode *ExecModeConfig
}

// NewCommandRunner creates a helper-command runner for the given exec mode.
func NewCommandRunner(execMode *ExecModeConfig) *CommandRunnerImpl {
	return &CommandRunnerImpl{execMode: execMode}
}

// Wrap returns the argv for name, prefixed with sudo when privileged and required.
func (r *CommandRunnerImpl) Wrap(privileged bool, name string, args ...string) []string {
	argv := make([]string, 0, len(args)+2)
	if privileged && r.execMode.NeedsSudo() {
		argv = append(argv, "sudo", "-n")
	}
	argv = append(argv, name)
	return append(argv, args...)
}

// Run executes the command and captures its output. A non-zero exit is reported
// both through CommandOutput.ExitCode and as an error.
func (r *CommandRunnerImpl) Run(ctx context.Context, privileged bool, name string, args ...string) (domain.CommandOutput, error) {
	argv := r.Wrap(privileged, name, args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = nil // Prevent any interactive prompts
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := domain.CommandOutput{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, fmt.Errorf("%s exited with code %d: %s", name, out.ExitCode, tail(stderr.Bytes(), 512))
		}
		out.ExitCode = -1
		return out, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return out, nil
}

// tail returns at most n trailing bytes of b as a string.
func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// Ensure CommandRunnerImpl implements domain.CommandRunner.
var _ domain.CommandRunner = (*CommandRunnerImpl)(nil)
