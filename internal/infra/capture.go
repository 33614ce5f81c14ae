package infra

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// CaptureOptions configures the capture session manager.
type CaptureOptions struct {
	ToolName     string        // executable name as seen in the process table
	ToolPath     string        // what to exec; defaults to ToolName
	Settle       time.Duration // wait after start before the transfer may begin
	PollInterval time.Duration // process-table poll interval during teardown
	PollAttempts int           // polls per signal tier
	NameSweep    bool          // also signal every process named ToolName
}

// DefaultCaptureOptions returns tcpdump with a 1s settle and ~2s per signal tier.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		ToolName:     "tcpdump",
		ToolPath:     "tcpdump",
		Settle:       1 * time.Second,
		PollInterval: 200 * time.Millisecond,
		PollAttempts: 10,
		NameSweep:    true,
	}
}

// escalation is the ordered signal sequence used by Stop.
var escalation = []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}

// CaptureManagerImpl implements domain.CaptureManager for a tcpdump-like tool.
type CaptureManagerImpl struct {
	opts     CaptureOptions
	runner   domain.CommandRunner
	pm       domain.ProcessManager
	registry domain.SessionRegistry
	logger   *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	session *domain.CaptureSession
}

// NewCaptureManager creates a capture session manager. registry may be nil.
func NewCaptureManager(
	opts CaptureOptions,
	runner domain.CommandRunner,
	pm domain.ProcessManager,
	registry domain.SessionRegistry,
	logger *zap.Logger,
) *CaptureManagerImpl {
	if opts.ToolPath == "" {
		opts.ToolPath = opts.ToolName
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	return &CaptureManagerImpl{
		opts:     opts,
		runner:   runner,
		pm:       pm,
		registry: registry,
		logger:   logger,
	}
}

// Active returns a copy of the current capture session, or nil.
func (c *CaptureManagerImpl) Active() *domain.CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Start launches the capture tool in a new session (and therefore a new process
// group) and waits the settle time so the capture is attached before the
// transfer begins. A leftover session is stopped first.
func (c *CaptureManagerImpl) Start(ctx context.Context, cfg domain.CaptureConfig) error {
	if c.Active() != nil {
		c.logger.Warn("capture already active, stopping it before starting a new one")
		if _, err := c.Stop(ctx); err != nil {
			c.logger.Warn("failed to stop previous capture", zap.Error(err))
		}
	}

	output, err := filepath.Abs(cfg.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to resolve capture path: %w", err)
	}
	snapLen := cfg.SnapLen
	if snapLen <= 0 {
		snapLen = 100
	}

	args := []string{
		"-i", cfg.Interface,
		"-w", output,
		"-U", // flush packets to file as they arrive
		"-s", strconv.Itoa(snapLen),
		"port", strconv.Itoa(cfg.Port),
	}
	argv := c.runner.Wrap(true, c.opts.ToolPath, args...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // own session and process group so the group can be signaled
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	session := &domain.CaptureSession{
		Interface:  cfg.Interface,
		OutputPath: output,
		Port:       cfg.Port,
		PID:        cmd.Process.Pid,
		PGID:       cmd.Process.Pid, // Setsid makes the child its own group leader
		ToolName:   c.opts.ToolName,
		StartedAt:  time.Now(),
	}

	c.mu.Lock()
	c.cmd = cmd
	c.done = done
	c.session = session
	c.mu.Unlock()

	if c.registry != nil {
		if err := c.registry.Save(*session); err != nil {
			c.logger.Warn("failed to persist capture session", zap.Error(err))
		}
	}

	c.logger.Info("capture started",
		zap.Strings("argv", argv),
		zap.Int("pid", session.PID),
		zap.Int("pgid", session.PGID))

	timer := time.NewTimer(c.opts.Settle)
	defer timer.Stop()
	select {
	case <-done:
		c.clearLocal()
		return fmt.Errorf("capture exited during settle time (missing privilege or bad interface %q?)", cfg.Interface)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}

// Stop guarantees, on a best-effort basis, that no process named ToolName remains.
// For each signal tier it signals the tracked process groups (ours, plus any group
// recorded by a previous coordinator run) and, with NameSweep, every process with
// the tool's name; then it polls the process table until empty or the tier's
// budget runs out. Survivors of the kill tier are returned, not treated as fatal.
// Stop is idempotent and does not honor ctx cancellation: teardown always runs.
func (c *CaptureManagerImpl) Stop(ctx context.Context) ([]int, error) {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	local := c.session
	done := c.done
	c.mu.Unlock()

	groups := c.trackedGroups(local)
	var errs []error

	for _, sig := range escalation {
		pids, err := c.remaining()
		if err != nil {
			errs = append(errs, err)
		}
		if len(pids) == 0 && !c.anyGroupAlive(groups) {
			break
		}

		c.logger.Info("signaling capture processes",
			zap.String("signal", sig.String()),
			zap.Ints("pids", pids),
			zap.Ints("pgids", groups))

		for _, pgid := range groups {
			if err := c.signalGroup(ctx, pgid, sig); err != nil {
				c.logger.Debug("group signal failed", zap.Int("pgid", pgid), zap.Error(err))
			}
		}
		if c.opts.NameSweep && len(pids) > 0 {
			c.signalByName(ctx, pids, sig)
		}

		for i := 0; i < c.opts.PollAttempts; i++ {
			time.Sleep(c.opts.PollInterval)
			left, _ := c.remaining()
			if len(left) == 0 && !c.anyGroupAlive(groups) {
				break
			}
		}
	}

	survivors, err := c.remaining()
	if err != nil {
		errs = append(errs, err)
	}
	if len(survivors) > 0 {
		c.logger.Warn("capture processes survived SIGKILL", zap.Ints("pids", survivors))
	} else {
		c.logger.Info("all capture processes stopped")
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
		}
	}
	c.clearLocal()
	if c.registry != nil {
		if err := c.registry.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear capture registry: %w", err))
		}
	}

	return survivors, errors.Join(errs...)
}

// trackedGroups returns the process groups to signal: the local session's group
// and a group persisted by an earlier run that still holds a capture process.
// Group ids can be reused once every member is gone, hence the membership check.
func (c *CaptureManagerImpl) trackedGroups(local *domain.CaptureSession) []int {
	var groups []int
	if local != nil {
		groups = append(groups, local.PGID)
	}
	if c.registry != nil {
		prev, err := c.registry.Load()
		if err != nil {
			c.logger.Warn("failed to load capture registry", zap.Error(err))
		} else if prev != nil && prev.PGID > 1 && (local == nil || prev.PGID != local.PGID) {
			if c.groupHoldsTool(prev.PGID) {
				c.logger.Info("found capture group from a previous run",
					zap.Int("pid", prev.PID), zap.Int("pgid", prev.PGID))
				groups = append(groups, prev.PGID)
			}
		}
	}
	return groups
}

// groupHoldsTool reports whether a process named ToolName is still a member of pgid.
func (c *CaptureManagerImpl) groupHoldsTool(pgid int) bool {
	pids, err := c.pm.FindByName(c.opts.ToolName)
	if err != nil {
		return false
	}
	for _, pid := range pids {
		if g, err := c.pm.GetPGID(pid); err == nil && g == pgid {
			return true
		}
	}
	return false
}

// remaining lists live capture processes: every process named ToolName with
// NameSweep, otherwise nothing beyond group liveness (checked separately).
func (c *CaptureManagerImpl) remaining() ([]int, error) {
	if !c.opts.NameSweep {
		return nil, nil
	}
	pids, err := c.pm.FindByName(c.opts.ToolName)
	if err != nil {
		return nil, fmt.Errorf("failed to query process table: %w", err)
	}
	sort.Ints(pids)
	return pids, nil
}

func (c *CaptureManagerImpl) anyGroupAlive(groups []int) bool {
	for _, pgid := range groups {
		err := c.pm.SignalGroup(pgid, syscall.Signal(0))
		if err == nil || errors.Is(err, syscall.EPERM) {
			return true
		}
	}
	return false
}

// signalGroup signals a group directly, falling back to a privileged kill when
// the group holds processes owned by another user (e.g. sudo + tcpdump).
func (c *CaptureManagerImpl) signalGroup(ctx context.Context, pgid int, sig syscall.Signal) error {
	err := c.pm.SignalGroup(pgid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if !errors.Is(err, syscall.EPERM) {
		return err
	}
	_, err = c.runner.Run(ctx, true, "kill", "-"+signalName(sig), "--", "-"+strconv.Itoa(pgid))
	return err
}

// signalByName signals each matching PID, using a privileged pkill once if any
// direct signal is refused.
func (c *CaptureManagerImpl) signalByName(ctx context.Context, pids []int, sig syscall.Signal) {
	denied := false
	for _, pid := range pids {
		if err := c.pm.Signal(pid, sig); err != nil {
			if errors.Is(err, syscall.EPERM) {
				denied = true
				continue
			}
			c.logger.Debug("signal failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	if !denied {
		return
	}
	if _, err := c.runner.Run(ctx, true, "pkill", "-"+signalName(sig), "-x", c.opts.ToolName); err != nil {
		c.logger.Warn("privileged pkill failed",
			zap.String("tool", c.opts.ToolName),
			zap.String("signal", sig.String()),
			zap.Error(err))
	}
}

func (c *CaptureManagerImpl) clearLocal() {
	c.mu.Lock()
	c.cmd = nil
	c.done = nil
	c.session = nil
	c.mu.Unlock()
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "INT"
	case syscall.SIGTERM:
		return "TERM"
	case syscall.SIGKILL:
		return "KILL"
	default:
		return strconv.Itoa(int(sig))
	}
}

// Ensure CaptureManagerImpl implements domain.CaptureManager.
var _ domain.CaptureManager = (*CaptureManagerImpl)(nil)
