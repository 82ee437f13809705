package pool_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/argyll/worker/internal/channel"
	"github.com/kode4food/argyll/worker/internal/pool"
	"github.com/kode4food/argyll/worker/internal/process"
	"github.com/kode4food/argyll/worker/internal/sandbox"
	"github.com/kode4food/argyll/worker/pkg/api"
)

type (
	// taskPlan is carried in an operation payload and tells the test
	// sandbox how to behave
	taskPlan struct {
		SleepMs  int             `json:"sleepMs,omitempty"`
		Progress json.RawMessage `json:"progress,omitempty"`
		Crash    bool            `json:"crash,omitempty"`
		ExitCode int             `json:"exitCode,omitempty"`
		Signal   int             `json:"signal,omitempty"`
		Stderr   string          `json:"stderr,omitempty"`
	}

	taskResult struct {
		SandboxID api.SandboxID `json:"sandboxId"`
	}

	fakeSpawner struct {
		url string

		mu        sync.Mutex
		procs     []*fakeProcess
		failSpawn bool
		silent    bool

		running atomic.Int32
		maxSeen atomic.Int32
	}

	fakeProcess struct {
		id     api.SandboxID
		done   chan struct{}
		once   sync.Once
		mu     sync.Mutex
		status process.ExitStatus
		stderr string
		client *sandbox.Client
		cancel context.CancelFunc
		killed atomic.Bool
	}

	testPool struct {
		*pool.Manager
		server  *channel.Server
		spawner *fakeSpawner
		url     string
	}
)

const poolWaitTimeout = 5 * time.Second

var errSpawn = errors.New("spawn refused")

func newTestPool(t *testing.T, size int, reusable bool) *testPool {
	t.Helper()
	server, url := newControlServer(t)
	spawner := &fakeSpawner{url: url}
	m, err := pool.New(pool.Config{
		Size:           size,
		Command:        []string{"fake-sandbox"},
		ControlURL:     url,
		ConnectTimeout: time.Second,
		Reusable:       reusable,
	}, pool.Dependencies{
		Spawner: spawner,
		Channel: server,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return &testPool{Manager: m, server: server, spawner: spawner, url: url}
}

func newControlServer(t *testing.T) (*channel.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := channel.NewServer()
	router := gin.New()
	router.GET("/worker/ws", s.Handle)
	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/worker/ws"
}

func (s *fakeSpawner) Spawn(
	_ context.Context, spec process.Spec,
) (process.Process, error) {
	s.mu.Lock()
	fail, silent := s.failSpawn, s.silent
	s.mu.Unlock()
	if fail {
		return nil, errSpawn
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProcess{
		id:     spec.SandboxID,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	if silent {
		return p, nil
	}

	client, err := sandbox.Dial(ctx, s.url, spec.SandboxID)
	if err != nil {
		cancel()
		return nil, err
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	go func() {
		_ = client.Run(ctx, sandbox.ExecutorFunc(s.executor(p)))
	}()
	return p, nil
}

func (s *fakeSpawner) executor(p *fakeProcess) func(
	context.Context, api.OperationType, api.Operation, sandbox.Output,
) (*api.EngineResponse, error) {
	return func(
		ctx context.Context, _ api.OperationType, op api.Operation,
		out sandbox.Output,
	) (*api.EngineResponse, error) {
		n := s.running.Add(1)
		defer s.running.Add(-1)
		for {
			m := s.maxSeen.Load()
			if n <= m || s.maxSeen.CompareAndSwap(m, n) {
				break
			}
		}

		var plan taskPlan
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &plan); err != nil {
				return nil, err
			}
		}
		if plan.Progress != nil {
			if err := out.Progress(ctx, plan.Progress); err != nil {
				return nil, err
			}
		}
		if plan.SleepMs > 0 {
			select {
			case <-time.After(time.Duration(plan.SleepMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if plan.Crash {
			p.exit(process.ExitStatus{
				Code:     plan.ExitCode,
				Signaled: plan.Signal != 0,
				Signal:   syscall.Signal(plan.Signal),
			}, plan.Stderr)
			return nil, errors.New("crashed")
		}
		return api.NewEngineResponse(api.StatusSuccess,
			&taskResult{SandboxID: p.id}), nil
	}
}

func (s *fakeSpawner) setFailSpawn(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSpawn = v
}

func (s *fakeSpawner) setSilent(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = v
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func (p *fakeProcess) Pid() int {
	return 1000
}

func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

func (p *fakeProcess) ExitStatus() process.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(process.ExitStatus{
		Code: -1, Signaled: true, Signal: syscall.SIGKILL,
	}, "")
	return nil
}

func (p *fakeProcess) exit(status process.ExitStatus, stderr string) {
	p.once.Do(func() {
		p.mu.Lock()
		client := p.client
		p.status = status
		p.stderr = stderr
		p.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		p.cancel()
		close(p.done)
	})
}

func (p *fakeProcess) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func planPayload(t *testing.T, plan taskPlan) api.Operation {
	t.Helper()
	data, err := json.Marshal(plan)
	require.NoError(t, err)
	return api.Operation{
		PlatformID:    "plat",
		FlowVersionID: "fv",
		Payload:       data,
	}
}

func resultSandbox(t *testing.T, res *api.EngineResponse) api.SandboxID {
	t.Helper()
	require.NotNil(t, res)
	require.Equal(t, api.StatusSuccess, res.Status)
	var out taskResult
	require.NoError(t, json.Unmarshal(res.Response, &out))
	return out.SandboxID
}
