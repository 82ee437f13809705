package pool_test

import (
	"context"
	"encoding/json"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/argyll/worker/internal/channel"
	"github.com/kode4food/argyll/worker/internal/pool"
	"github.com/kode4food/argyll/worker/pkg/api"
)

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := pool.New(pool.Config{Size: 0}, pool.Dependencies{})
	assert.ErrorIs(t, err, pool.ErrInvalidPoolSize)
}

func TestExecuteTaskSuccess(t *testing.T) {
	p := newTestPool(t, 1, true)

	res, err := p.ExecuteTask(context.Background(),
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)
	id := resultSandbox(t, res)
	assert.NotEmpty(t, id)
	assert.True(t, p.server.IsConnected(id))
}

func TestExecuteTaskValidatesOperation(t *testing.T) {
	p := newTestPool(t, 1, true)

	_, err := p.ExecuteTask(context.Background(),
		api.OperationExecuteFlow, api.Operation{PlatformID: "plat"},
		time.Second,
	)
	assert.ErrorIs(t, err, api.ErrFlowVersionRequired)
	assert.Empty(t, p.spawner.spawned())
}

func TestReusableSandboxServesNextTask(t *testing.T) {
	p := newTestPool(t, 1, true)
	ctx := context.Background()

	first, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)
	second, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)

	assert.Equal(t, resultSandbox(t, first), resultSandbox(t, second))
	assert.Len(t, p.spawner.spawned(), 1)
}

func TestNonReusableSandboxIsRetired(t *testing.T) {
	p := newTestPool(t, 1, false)
	ctx := context.Background()

	first, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)
	second, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)

	assert.NotEqual(t, resultSandbox(t, first), resultSandbox(t, second))
	procs := p.spawner.spawned()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].isDone())
	assert.True(t, procs[1].isDone())
}

func TestGenerationBumpForcesNewSandbox(t *testing.T) {
	p := newTestPool(t, 1, true)
	ctx := context.Background()

	first, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)

	p.Generation().Bump()

	second, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)

	assert.NotEqual(t, resultSandbox(t, first), resultSandbox(t, second))
	procs := p.spawner.spawned()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].killed.Load())
	assert.False(t, procs[1].isDone())

	status := p.Status()
	assert.Equal(t, int64(1), status.Generation)
	assert.Equal(t, int64(1), status.Slots[0].Generation)
}

func TestBumpDuringTaskRetiresAfterward(t *testing.T) {
	p := newTestPool(t, 1, true)

	done := make(chan *api.EngineResponse, 1)
	go func() {
		res, err := p.ExecuteTask(context.Background(),
			api.OperationExecuteFlow,
			planPayload(t, taskPlan{SleepMs: 100}), time.Second,
		)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(p.spawner.spawned()) == 1
	}, poolWaitTimeout, 5*time.Millisecond)
	p.Generation().Bump()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, api.StatusSuccess, res.Status)
	case <-time.After(poolWaitTimeout):
		t.Fatal("task did not finish")
	}
	assert.True(t, p.spawner.spawned()[0].killed.Load())
}

func TestTimeoutKillsSandbox(t *testing.T) {
	p := newTestPool(t, 1, true)

	start := time.Now()
	res, err := p.ExecuteTask(context.Background(),
		api.OperationExecuteFlow,
		planPayload(t, taskPlan{SleepMs: 10_000}), 50*time.Millisecond,
	)
	require.NoError(t, err)
	assert.Equal(t, api.StatusTimeout, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)

	procs := p.spawner.spawned()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].killed.Load())

	next, err := p.ExecuteTask(context.Background(),
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)
	assert.NotEqual(t, procs[0].id, resultSandbox(t, next))
}

func TestSingleSlotTimeoutThenQueuedTask(t *testing.T) {
	p := newTestPool(t, 1, true)
	ctx := context.Background()

	type result struct {
		res *api.EngineResponse
		err error
	}
	slow := make(chan result, 1)
	go func() {
		res, err := p.ExecuteTask(ctx, api.OperationExecuteFlow,
			planPayload(t, taskPlan{SleepMs: 10_000}), 100*time.Millisecond,
		)
		slow <- result{res, err}
	}()

	require.Eventually(t, func() bool {
		return len(p.spawner.spawned()) == 1
	}, poolWaitTimeout, 5*time.Millisecond)

	fast, err := p.ExecuteTask(ctx, api.OperationExecuteFlow,
		planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)

	r := <-slow
	require.NoError(t, r.err)
	assert.Equal(t, api.StatusTimeout, r.res.Status)

	procs := p.spawner.spawned()
	require.Len(t, procs, 2)
	assert.Equal(t, procs[1].id, resultSandbox(t, fast))
	assert.True(t, procs[0].killed.Load())
}

func TestCrashClassification(t *testing.T) {
	tests := []struct {
		name     string
		plan     taskPlan
		expected api.EngineStatus
	}{
		{
			name: "heap_marker",
			plan: taskPlan{
				Crash: true, ExitCode: 1,
				Stderr: "FATAL ERROR: JavaScript heap out of memory",
			},
			expected: api.StatusMemoryIssue,
		},
		{
			name:     "sigkill",
			plan:     taskPlan{Crash: true, Signal: int(syscall.SIGKILL)},
			expected: api.StatusMemoryIssue,
		},
		{
			name:     "exit_137",
			plan:     taskPlan{Crash: true, ExitCode: 137},
			expected: api.StatusMemoryIssue,
		},
		{
			name: "plain_crash",
			plan: taskPlan{
				Crash: true, ExitCode: 1, Stderr: "TypeError: x is undefined",
			},
			expected: api.StatusInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, 1, true)
			res, err := p.ExecuteTask(context.Background(),
				api.OperationExecuteTriggerHook, planPayload(t, tt.plan),
				time.Second,
			)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.Status)

			var report map[string]string
			require.NoError(t, json.Unmarshal(res.Response, &report))
			assert.NotEmpty(t, report["message"])
			assert.Equal(t, tt.plan.Stderr, report["stderr"])
		})
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	p := newTestPool(t, 2, true)

	var wg sync.WaitGroup
	results := make(chan *api.EngineResponse, 6)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.ExecuteTask(context.Background(),
				api.OperationExecuteFlow,
				planPayload(t, taskPlan{SleepMs: 30}), poolWaitTimeout,
			)
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for res := range results {
		assert.Equal(t, api.StatusSuccess, res.Status)
		count++
	}
	assert.Equal(t, 6, count)
	assert.LessOrEqual(t, p.spawner.maxSeen.Load(), int32(2))
	assert.LessOrEqual(t, len(p.spawner.spawned()), 2)
}

func TestProvisionFailure(t *testing.T) {
	p := newTestPool(t, 1, true)
	ctx := context.Background()

	p.spawner.setFailSpawn(true)
	_, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	assert.ErrorIs(t, err, pool.ErrProvisionFailed)
	assert.ErrorIs(t, err, errSpawn)

	p.spawner.setFailSpawn(false)
	res, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSuccess, res.Status)
}

func TestProvisionConnectTimeout(t *testing.T) {
	server, url := newControlServer(t)
	spawner := &fakeSpawner{url: url}
	spawner.setSilent(true)
	m, err := pool.New(pool.Config{
		Size:           1,
		ControlURL:     url,
		ConnectTimeout: 50 * time.Millisecond,
		Reusable:       true,
	}, pool.Dependencies{Spawner: spawner, Channel: server})
	require.NoError(t, err)

	_, err = m.ExecuteTask(context.Background(),
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	assert.ErrorIs(t, err, pool.ErrProvisionFailed)
	assert.ErrorIs(t, err, channel.ErrConnectTimeout)

	procs := spawner.spawned()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].killed.Load())

	status := m.Status()
	assert.Empty(t, status.Slots[0].SandboxID)
	assert.False(t, status.Slots[0].Busy)
}

func TestContextCancelKillsSandbox(t *testing.T) {
	p := newTestPool(t, 1, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		deadline := time.Now().Add(poolWaitTimeout)
		for len(p.spawner.spawned()) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.ExecuteTask(ctx, api.OperationExecuteFlow,
		planPayload(t, taskPlan{SleepMs: 10_000}), poolWaitTimeout,
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, p.spawner.spawned()[0].killed.Load())
}

func TestProgressForwarded(t *testing.T) {
	server, url := newControlServer(t)
	spawner := &fakeSpawner{url: url}

	var mu sync.Mutex
	var got []string
	m, err := pool.New(pool.Config{
		Size:           1,
		ControlURL:     url,
		ConnectTimeout: time.Second,
		Reusable:       true,
	}, pool.Dependencies{
		Spawner: spawner,
		Channel: server,
		Progress: func(
			_ context.Context, id api.SandboxID, progress json.RawMessage,
		) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(id)+":"+string(progress))
			return nil
		},
	})
	require.NoError(t, err)

	res, err := m.ExecuteTask(context.Background(),
		api.OperationExecuteFlow,
		planPayload(t, taskPlan{Progress: json.RawMessage(`{"step":"a"}`)}),
		time.Second,
	)
	require.NoError(t, err)
	id := resultSandbox(t, res)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{string(id) + `:{"step":"a"}`}, got)
}

func TestCloseKillsSandboxes(t *testing.T) {
	p := newTestPool(t, 2, true)
	ctx := context.Background()

	_, err := p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	for _, proc := range p.spawner.spawned() {
		assert.True(t, proc.isDone())
	}

	_, err = p.ExecuteTask(ctx,
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
	assert.NoError(t, p.Close(ctx))
}

func TestStatusSnapshot(t *testing.T) {
	p := newTestPool(t, 2, true)

	status := p.Status()
	assert.Equal(t, 2, status.Size)
	assert.True(t, status.Reusable)
	require.Len(t, status.Slots, 2)
	for _, slot := range status.Slots {
		assert.False(t, slot.Alive)
		assert.False(t, slot.Busy)
	}

	res, err := p.ExecuteTask(context.Background(),
		api.OperationExecuteFlow, planPayload(t, taskPlan{}), time.Second,
	)
	require.NoError(t, err)
	id := resultSandbox(t, res)

	status = p.Status()
	var alive int
	for _, slot := range status.Slots {
		if slot.Alive {
			alive++
			assert.Equal(t, id, slot.SandboxID)
			assert.True(t, slot.Connected)
		}
	}
	assert.Equal(t, 1, alive)
}
