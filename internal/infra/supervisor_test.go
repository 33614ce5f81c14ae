package infra

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

func shSpec(script string) domain.ProcessSpec {
	return domain.ProcessSpec{Command: "sh", Args: []string{"-c", script}, Label: "test"}
}

func spawnAndWait(t *testing.T, s *Supervisor, spec domain.ProcessSpec) *domain.ProcessResult {
	t.Helper()
	h, err := s.Spawn(spec)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Wait(ctx, h)
	require.NoError(t, err)
	return res
}

func TestSupervisor_SpawnEmptyCommand(t *testing.T) {
	_, err := NewSupervisor(zap.NewNop()).Spawn(domain.ProcessSpec{})
	assert.Error(t, err)
}

func TestSupervisor_SpawnMissingBinary(t *testing.T) {
	_, err := NewSupervisor(zap.NewNop()).Spawn(domain.ProcessSpec{Command: "/nonexistent/ccbench-sender"})
	assert.Error(t, err)
}

func TestSupervisor_ExitStatus(t *testing.T) {
	s := NewSupervisor(zap.NewNop())

	tests := []struct {
		name     string
		script   string
		wantCode int
		wantOK   bool
		stdout   string
		stderr   string
	}{
		{name: "success", script: "echo out; echo err >&2", wantCode: 0, wantOK: true, stdout: "out\n", stderr: "err\n"},
		{name: "failure", script: "exit 3", wantCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := spawnAndWait(t, s, shSpec(tt.script))
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.Equal(t, tt.wantOK, res.Success())
			assert.False(t, res.Signaled)
			assert.Equal(t, tt.stdout, res.Stdout)
			assert.Equal(t, tt.stderr, res.Stderr)
			assert.False(t, res.EndedAt.Before(res.StartedAt))
		})
	}
}

func TestSupervisor_WorkDirAndEnv(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	spec := shSpec(`pwd; echo "$CCBENCH_TEST"`)
	spec.WorkDir = dir
	spec.Env = []string{"CCBENCH_TEST=bar"}

	res := spawnAndWait(t, NewSupervisor(zap.NewNop()), spec)
	assert.Equal(t, dir+"\nbar\n", res.Stdout)
}

func TestSupervisor_OutputTail(t *testing.T) {
	spec := shSpec(`printf '%0100d' 0; printf 'tail'`)
	spec.OutputTail = 10

	res := spawnAndWait(t, NewSupervisor(zap.NewNop()), spec)
	assert.Len(t, res.Stdout, 10)
	assert.True(t, strings.HasSuffix(res.Stdout, "tail"))
}

func TestSupervisor_WaitHonorsContext(t *testing.T) {
	s := NewSupervisorWithTimeout(200*time.Millisecond, zap.NewNop())
	h, err := s.Spawn(shSpec("sleep 30"))
	require.NoError(t, err)
	defer s.Stop(h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, h.Result())
}

func TestSupervisor_StopTerminates(t *testing.T) {
	s := NewSupervisorWithTimeout(2*time.Second, zap.NewNop())
	h, err := s.Spawn(shSpec("sleep 30"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(h))
	assert.Less(t, time.Since(start), 2*time.Second)

	res := h.Result()
	require.NotNil(t, res)
	assert.True(t, res.Signaled)
	assert.False(t, res.Success())
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	s := NewSupervisorWithTimeout(200*time.Millisecond, zap.NewNop())
	h, err := s.Spawn(shSpec(`trap '' TERM; while true; do sleep 0.1; done`))
	require.NoError(t, err)
	// Let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop(h))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, h.Result().Signaled)
}

func TestSupervisor_StopReachesForkedChildren(t *testing.T) {
	s := NewSupervisorWithTimeout(time.Second, zap.NewNop())
	// The child keeps stdout open; only a group signal lets Wait return promptly.
	h, err := s.Spawn(shSpec("sleep 30 & wait"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop(h))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSupervisor_StopIsNoOpAfterExit(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	h, err := s.Spawn(shSpec("exit 0"))
	require.NoError(t, err)
	<-h.Done()

	assert.NoError(t, s.Stop(h))
	assert.NoError(t, s.Stop(nil))
	assert.Equal(t, 0, h.Result().ExitCode)
}
