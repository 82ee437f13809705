package process_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/argyll/worker/internal/process"
)

const processWaitTimeout = 5 * time.Second

func TestSpawnExitCodeAndStderr(t *testing.T) {
	p := spawnShell(t, `echo "fatal: boom" >&2; exit 3`)
	waitExit(t, p)

	status := p.ExitStatus()
	assert.False(t, status.Success())
	assert.False(t, status.Signaled)
	assert.Equal(t, 3, status.Code)
	assert.Equal(t, "exit code 3", status.String())
	assert.Contains(t, p.StderrTail(), "fatal: boom")
}

func TestSpawnEnvironment(t *testing.T) {
	s := process.NewOSSpawner()
	p, err := s.Spawn(context.Background(), process.Spec{
		SandboxID:     "sb-1",
		ControlURL:    "ws://127.0.0.1:1/worker/ws",
		MemoryLimitMB: 512,
		Env:           []string{"EXTRA=yes"},
		Command: []string{"sh", "-c", `
			test "$SANDBOX_ID" = sb-1 &&
			test "$CONTROL_URL" = ws://127.0.0.1:1/worker/ws &&
			test "$SANDBOX_MEMORY_LIMIT_MB" = 512 &&
			test "$EXTRA" = yes`,
		},
	})
	require.NoError(t, err)
	waitExit(t, p)
	assert.True(t, p.ExitStatus().Success())
}

func TestKillProcessGroup(t *testing.T) {
	p := spawnShell(t, `sleep 30 & sleep 30`)
	assert.Greater(t, p.Pid(), 0)

	require.NoError(t, p.Kill())
	waitExit(t, p)

	status := p.ExitStatus()
	assert.True(t, status.Signaled)
	assert.Equal(t, syscall.SIGKILL, status.Signal)
	assert.Equal(t, "signal: killed", status.String())

	assert.NoError(t, p.Kill())
	assert.NoError(t, process.KillTree(p.Pid()))
}

func TestKillTreeIgnoresInvalidPid(t *testing.T) {
	assert.NoError(t, process.KillTree(0))
	assert.NoError(t, process.KillTree(-1))
}

func TestSpawnErrors(t *testing.T) {
	s := process.NewOSSpawner()
	_, err := s.Spawn(context.Background(), process.Spec{})
	assert.ErrorIs(t, err, process.ErrEmptyCommand)

	_, err = s.Spawn(context.Background(), process.Spec{
		Command: []string{"/definitely/not/a/sandbox"},
	})
	assert.ErrorIs(t, err, process.ErrSpawnFailed)
}

func spawnShell(t *testing.T, script string) process.Process {
	t.Helper()
	s := process.NewOSSpawner()
	p, err := s.Spawn(context.Background(), process.Spec{
		SandboxID: "sb-test",
		Command:   []string{"sh", "-c", script},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Kill() })
	return p
}

func waitExit(t *testing.T, p process.Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(processWaitTimeout):
		t.Fatal("process did not exit")
	}
}
