package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Spawner starts sandbox processes
	Spawner interface {
		Spawn(ctx context.Context, spec Spec) (Process, error)
	}

	// Process is a running sandbox process
	Process interface {
		Pid() int
		Done() <-chan struct{}
		ExitStatus() ExitStatus
		StderrTail() string
		Kill() error
	}

	// Spec describes one sandbox process to start
	Spec struct {
		SandboxID     api.SandboxID
		Command       []string
		ControlURL    string
		MemoryLimitMB int
		Env           []string
	}

	// ExitStatus describes how a process terminated. It is only meaningful
	// once Done is closed
	ExitStatus struct {
		Code     int
		Signal   syscall.Signal
		Signaled bool
		Err      error
	}

	// OSSpawner starts sandboxes as child processes in their own process
	// group
	OSSpawner struct {
		WaitDelay time.Duration
	}

	osProcess struct {
		cmd    *exec.Cmd
		done   chan struct{}
		stderr *tailBuffer
		mu     sync.Mutex
		exit   ExitStatus
	}
)

const (
	EnvSandboxID  = "SANDBOX_ID"
	EnvControlURL = "CONTROL_URL"
	EnvMemoryMB   = "SANDBOX_MEMORY_LIMIT_MB"

	// StderrTailSize is the number of trailing stderr bytes kept for exit
	// classification
	StderrTailSize = 16 * 1024

	defaultWaitDelay = 2 * time.Second
)

var (
	ErrEmptyCommand = errors.New("sandbox command is empty")
	ErrSpawnFailed  = errors.New("failed to start sandbox process")
)

// NewOSSpawner creates a spawner that runs sandboxes as local processes
func NewOSSpawner() *OSSpawner {
	return &OSSpawner{WaitDelay: defaultWaitDelay}
}

// Spawn starts the sandbox command with the sandbox identity and control
// channel address in its environment. The process outlives ctx; callers end
// it with Kill
func (s *OSSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.WaitDelay
	cmd.Env = append(os.Environ(),
		EnvSandboxID+"="+string(spec.SandboxID),
		EnvControlURL+"="+spec.ControlURL,
	)
	if spec.MemoryLimitMB > 0 {
		cmd.Env = append(cmd.Env,
			EnvMemoryMB+"="+strconv.Itoa(spec.MemoryLimitMB),
			"NODE_OPTIONS=--max-old-space-size="+
				strconv.Itoa(spec.MemoryLimitMB),
		)
	}
	cmd.Env = append(cmd.Env, spec.Env...)

	logger := slog.With(log.SandboxID(spec.SandboxID))
	p := &osProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		stderr: newTailBuffer(StderrTailSize),
	}
	cmd.Stdout = newLineLogger(logger, "stdout", nil)
	cmd.Stderr = newLineLogger(logger, "stderr", p.stderr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	if spec.MemoryLimitMB > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, spec.MemoryLimitMB); err != nil {
			logger.Warn("Memory limit not applied", log.Error(err))
		}
	}

	go p.wait()
	logger.Debug("Sandbox process started",
		slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

func (p *osProcess) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *osProcess) StderrTail() string {
	return p.stderr.String()
}

// Kill terminates the whole process tree of the sandbox
func (p *osProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return KillTree(p.Pid())
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()
	status := exitStatusOf(p.cmd.ProcessState, err)
	p.mu.Lock()
	p.exit = status
	p.mu.Unlock()
	close(p.done)
}

func exitStatusOf(state *os.ProcessState, err error) ExitStatus {
	res := ExitStatus{Code: -1}
	if state == nil {
		res.Err = err
		return res
	}
	res.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signaled = true
		res.Signal = ws.Signal()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}
	return res
}

// Success reports whether the process exited cleanly
func (s ExitStatus) Success() bool {
	return !s.Signaled && s.Code == 0 && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signaled:
		return "signal: " + s.Signal.String()
	case s.Err != nil:
		return "error: " + s.Err.Error()
	default:
		return "exit code " + strconv.Itoa(s.Code)
	}
}
