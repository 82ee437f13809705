package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/kode4food/argyll/worker/internal/process"
	"github.com/kode4food/argyll/worker/pkg/api"
)

// CommandExecutor runs an engine executable once per operation. The
// operation message is written to the engine's stdin as one JSON line. The
// engine writes newline-delimited control envelopes to stdout: output,
// progress, and finally its ENGINE_RESPONSE. Progress acks are written back
// to stdin. Lines that are not envelopes are forwarded as stdout text and
// stderr is forwarded line by line
type CommandExecutor struct {
	Command []string
	Env     []string
}

const maxEngineLine = 32 * 1024 * 1024

var (
	ErrNoEngineCommand = errors.New("engine command is empty")
	ErrNoEngineResult  = errors.New("engine exited without a response")
)

// Execute runs the engine executable for a single operation
func (e *CommandExecutor) Execute(
	ctx context.Context, t api.OperationType, op api.Operation, out Output,
) (*api.EngineResponse, error) {
	if len(e.Command) == 0 {
		return nil, ErrNoEngineCommand
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return process.KillTree(cmd.Process.Pid)
	}
	cmd.Env = append(cmd.Environ(), e.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		forwardLines(stderr, out.Stderr)
	}()

	res, readErr := e.session(ctx, t, op, stdin, stdout, out)
	_ = stdin.Close()
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case res != nil:
		return res, nil
	case readErr != nil:
		return nil, readErr
	case waitErr != nil:
		return nil, fmt.Errorf("%w: %w", ErrNoEngineResult, waitErr)
	default:
		return nil, ErrNoEngineResult
	}
}

func (e *CommandExecutor) session(
	ctx context.Context, t api.OperationType, op api.Operation,
	stdin io.Writer, stdout io.Reader, out Output,
) (*api.EngineResponse, error) {
	enc := json.NewEncoder(stdin)
	if err := enc.Encode(&api.OperationMessage{
		Operation:     op,
		OperationType: t,
	}); err != nil {
		return nil, err
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxEngineLine)
	var res *api.EngineResponse
	for sc.Scan() {
		line := sc.Bytes()
		var env api.Envelope
		if json.Unmarshal(line, &env) != nil || env.Type == "" {
			out.Stdout(string(line))
			continue
		}
		msg, err := api.DecodeSandboxMessage(&env)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *api.ResponseMessage:
			r := m.EngineResponse
			res = &r
		case *api.StdoutMessage:
			out.Stdout(m.Message)
		case *api.StderrMessage:
			out.Stderr(m.Message)
		case *api.ProgressMessage:
			if err := out.Progress(ctx, m.Progress); err != nil {
				return nil, err
			}
			if err := enc.Encode(api.NewProgressAck(m.RequestID)); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil && res == nil {
		return nil, err
	}
	return res, nil
}

func forwardLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEngineLine)
	for sc.Scan() {
		fn(sc.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}
