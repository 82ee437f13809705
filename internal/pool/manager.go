package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kode4food/argyll/worker/internal/channel"
	"github.com/kode4food/argyll/worker/internal/metrics"
	"github.com/kode4food/argyll/worker/internal/process"
	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Channel is the control channel surface the manager drives
	Channel interface {
		SendOperation(api.SandboxID, api.OperationType, api.Operation) error
		Subscribe(api.SandboxID, channel.Handlers) error
		Unsubscribe(api.SandboxID)
		IsConnected(api.SandboxID) bool
		WaitForConnect(context.Context, api.SandboxID, time.Duration) error
		Disconnect(api.SandboxID)
	}

	// ProgressFunc forwards a run-progress update reported by a sandbox.
	// The sandbox is acknowledged once it returns
	ProgressFunc func(context.Context, api.SandboxID, json.RawMessage) error

	// Config sizes the pool and describes how sandboxes are started
	Config struct {
		Size           int
		Command        []string
		Env            []string
		ControlURL     string
		MemoryLimitMB  int
		ConnectTimeout time.Duration
		Reusable       bool
	}

	// Dependencies are the collaborators of a Manager. Metrics and Progress
	// are optional
	Dependencies struct {
		Spawner    process.Spawner
		Channel    Channel
		Generation *Generation
		Metrics    *metrics.Collector
		Progress   ProgressFunc
	}

	// Manager is the execution pool manager
	Manager struct {
		cfg    Config
		deps   Dependencies
		sem    *semaphore.Weighted
		closed atomic.Bool

		mu    sync.Mutex
		free  []int
		procs []process.Process
		ids   []api.SandboxID
		gens  []int64
		busy  []bool
	}
)

var (
	ErrInvalidPoolSize = errors.New("pool size must be positive")
	ErrPoolClosed      = errors.New("execution pool is closed")
	ErrProvisionFailed = errors.New("failed to provision sandbox")
	ErrSendFailed      = errors.New("failed to send operation to sandbox")
)

// New creates a pool manager with cfg.Size empty slots. Sandboxes are
// started lazily by the first task that needs one
func New(cfg Config, deps Dependencies) (*Manager, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPoolSize, cfg.Size)
	}
	if deps.Generation == nil {
		deps.Generation = &Generation{}
	}
	m := &Manager{
		cfg:   cfg,
		deps:  deps,
		sem:   semaphore.NewWeighted(int64(cfg.Size)),
		free:  make([]int, cfg.Size),
		procs: make([]process.Process, cfg.Size),
		ids:   make([]api.SandboxID, cfg.Size),
		gens:  make([]int64, cfg.Size),
		busy:  make([]bool, cfg.Size),
	}
	for i := range m.free {
		m.free[i] = cfg.Size - 1 - i
	}
	return m, nil
}

// Generation returns the generation counter the pool checks staleness
// against
func (m *Manager) Generation() *Generation {
	return m.deps.Generation
}

// Reusable reports whether sandboxes may serve more than one task
func (m *Manager) Reusable() bool {
	return m.cfg.Reusable
}

// ExecuteTask runs one operation on a pooled sandbox and returns its single
// terminal response. Timeouts and crashes are reported as TIMEOUT,
// MEMORY_ISSUE, or INTERNAL_ERROR responses. An error is returned only when
// the task could not be run: invalid input, a closed pool, a sandbox that
// could not be provisioned, or a cancelled context
func (m *Manager) ExecuteTask(
	ctx context.Context, t api.OperationType, op api.Operation,
	timeout time.Duration,
) (*api.EngineResponse, error) {
	if err := op.Validate(t); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)
	if m.closed.Load() {
		return nil, ErrPoolClosed
	}

	idx := m.popSlot()
	defer m.pushSlot(idx)

	start := time.Now()
	res, err := m.runOnSlot(ctx, idx, t, op, timeout)
	if res != nil {
		m.deps.Metrics.RecordTask(
			string(t), string(res.Status), time.Since(start),
		)
	}
	return res, err
}

func (m *Manager) runOnSlot(
	ctx context.Context, idx int, t api.OperationType, op api.Operation,
	timeout time.Duration,
) (*api.EngineResponse, error) {
	proc, id, err := m.ensureSandbox(ctx, idx)
	if err != nil {
		return nil, err
	}

	logger := slog.With(log.Slot(idx), log.SandboxID(id))
	responses := make(chan *api.EngineResponse, 1)
	err = m.deps.Channel.Subscribe(id, channel.Handlers{
		OnResponse: func(msg *api.ResponseMessage) {
			res := msg.EngineResponse
			select {
			case responses <- &res:
			default:
				logger.Warn("Dropped duplicate engine response")
			}
		},
		OnStdout: func(msg string) {
			logger.Debug("Sandbox stdout", slog.String("message", msg))
		},
		OnStderr: func(msg string) {
			logger.Debug("Sandbox stderr", slog.String("message", msg))
		},
		OnProgress: func(
			ctx context.Context, msg *api.ProgressMessage,
		) error {
			if m.deps.Progress == nil {
				return nil
			}
			return m.deps.Progress(ctx, id, msg.Progress)
		},
	})
	if err != nil {
		m.retire(idx)
		m.deps.Metrics.ProvisionFailed()
		return nil, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}

	killed := false
	defer func() {
		m.deps.Channel.Unsubscribe(id)
		if killed || !m.cfg.Reusable || m.isStale(idx) {
			m.retire(idx)
		}
	}()

	if err := m.deps.Channel.SendOperation(id, t, op); err != nil {
		killed = true
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-responses:
		return res, nil
	case <-timer.C:
		killed = true
		logger.Warn("Task timed out", slog.Duration("timeout", timeout))
		return api.NewEngineResponse(api.StatusTimeout, nil), nil
	case <-proc.Done():
		select {
		case res := <-responses:
			killed = true
			return res, nil
		default:
		}
		killed = true
		res := crashResponse(proc)
		logger.Warn("Sandbox exited during task",
			log.Status(res.Status),
			slog.String("exit", proc.ExitStatus().String()))
		return res, nil
	case <-ctx.Done():
		killed = true
		return nil, ctx.Err()
	}
}

// ensureSandbox returns the slot's sandbox, replacing it first when it is
// dead, disconnected, stale, or not reusable
func (m *Manager) ensureSandbox(
	ctx context.Context, idx int,
) (process.Process, api.SandboxID, error) {
	m.mu.Lock()
	proc, id := m.procs[idx], m.ids[idx]
	m.mu.Unlock()

	if proc != nil && m.usable(idx, proc, id) {
		return proc, id, nil
	}
	m.retire(idx)
	return m.provision(ctx, idx)
}

func (m *Manager) usable(
	idx int, proc process.Process, id api.SandboxID,
) bool {
	select {
	case <-proc.Done():
		return false
	default:
	}
	return m.cfg.Reusable && !m.isStale(idx) &&
		m.deps.Channel.IsConnected(id)
}

func (m *Manager) provision(
	ctx context.Context, idx int,
) (process.Process, api.SandboxID, error) {
	id := api.SandboxID(uuid.NewString())
	gen := m.deps.Generation.Current()

	proc, err := m.deps.Spawner.Spawn(ctx, process.Spec{
		SandboxID:     id,
		Command:       m.cfg.Command,
		ControlURL:    m.cfg.ControlURL,
		MemoryLimitMB: m.cfg.MemoryLimitMB,
		Env:           m.cfg.Env,
	})
	if err != nil {
		m.deps.Metrics.ProvisionFailed()
		return nil, "", fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	m.deps.Metrics.SandboxSpawned()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err = m.deps.Channel.WaitForConnect(waitCtx, id, m.cfg.ConnectTimeout)
	if err != nil {
		select {
		case <-proc.Done():
			if ctx.Err() == nil {
				err = fmt.Errorf("sandbox exited before connecting: %s",
					proc.ExitStatus())
			}
		default:
		}
		_ = proc.Kill()
		m.deps.Channel.Disconnect(id)
		m.deps.Metrics.ProvisionFailed()
		slog.Error("Sandbox provisioning failed",
			log.Slot(idx),
			log.SandboxID(id),
			log.Error(err))
		return nil, "", fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}

	m.mu.Lock()
	m.procs[idx] = proc
	m.ids[idx] = id
	m.gens[idx] = gen
	m.mu.Unlock()

	slog.Debug("Sandbox provisioned",
		log.Slot(idx),
		log.SandboxID(id),
		log.Generation(gen),
		slog.Int("pid", proc.Pid()))
	return proc, id, nil
}

// retire kills the slot's sandbox, if any, and marks the slot dead
func (m *Manager) retire(idx int) {
	m.mu.Lock()
	proc, id := m.procs[idx], m.ids[idx]
	m.procs[idx] = nil
	m.ids[idx] = ""
	m.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		slog.Error("Failed to kill sandbox",
			log.Slot(idx),
			log.SandboxID(id),
			log.Error(err))
	}
	m.deps.Channel.Disconnect(id)
}

func (m *Manager) isStale(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[idx] != m.deps.Generation.Current()
}

func (m *Manager) popSlot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.free) - 1
	idx := m.free[n]
	m.free = m.free[:n]
	m.busy[idx] = true
	m.deps.Metrics.SlotAcquired()
	return idx
}

func (m *Manager) pushSlot(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[idx] = false
	m.free = append(m.free, idx)
	m.deps.Metrics.SlotReleased()
}

// Status returns a snapshot of every slot
func (m *Manager) Status() *api.PoolStatus {
	m.mu.Lock()
	slots := make([]api.SlotStatus, len(m.procs))
	for i, proc := range m.procs {
		slots[i] = api.SlotStatus{
			Index:      i,
			SandboxID:  m.ids[i],
			Generation: m.gens[i],
			Busy:       m.busy[i],
		}
		if proc != nil {
			select {
			case <-proc.Done():
			default:
				slots[i].Alive = true
			}
		}
	}
	m.mu.Unlock()

	for i := range slots {
		if slots[i].SandboxID != "" {
			slots[i].Connected = m.deps.Channel.IsConnected(slots[i].SandboxID)
		}
	}
	return &api.PoolStatus{
		Size:       m.cfg.Size,
		Generation: m.deps.Generation.Current(),
		Reusable:   m.cfg.Reusable,
		Slots:      slots,
	}
}

// Close stops admitting tasks, waits for running tasks until ctx expires,
// then kills every sandbox
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.sem.Acquire(ctx, int64(m.cfg.Size))
	for i := range m.procs {
		m.retire(i)
	}
	if err == nil {
		m.sem.Release(int64(m.cfg.Size))
	}
	return err
}
