package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/argyll/worker/internal/consumer"
	"github.com/kode4food/argyll/worker/internal/queue"
	"github.com/kode4food/argyll/worker/internal/ratelimit"
	"github.com/kode4food/argyll/worker/pkg/api"
)

type (
	memQueue struct {
		mu          sync.Mutex
		pending     []json.RawMessage
		updated     []*api.Job
		completed   []api.JobID
		results     map[api.JobID]*api.EngineResponse
		rescheduled []rescheduled
		failed      []failed
	}

	rescheduled struct {
		job   api.Job
		delay time.Duration
	}

	failed struct {
		job api.Job
		err error
	}

	fakeExecutor struct {
		mu    sync.Mutex
		calls []executeCall
		res   *api.EngineResponse
		err   error
	}

	executeCall struct {
		opType  api.OperationType
		op      api.Operation
		timeout time.Duration
	}

	fakeLimiter struct {
		mu       sync.Mutex
		limited  bool
		err      error
		checked  []api.JobID
		released []api.JobID
	}
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (q *memQueue) push(raw string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, json.RawMessage(raw))
}

func (q *memQueue) Dequeue(context.Context) (json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, queue.ErrEmpty
	}
	res := q.pending[0]
	q.pending = q.pending[1:]
	return res, nil
}

func (q *memQueue) Update(_ context.Context, job *api.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *job
	q.updated = append(q.updated, &c)
	return nil
}

func (q *memQueue) Complete(
	_ context.Context, id api.JobID, res *api.EngineResponse,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	if res != nil {
		if q.results == nil {
			q.results = map[api.JobID]*api.EngineResponse{}
		}
		q.results[id] = res
	}
	return nil
}

func (q *memQueue) Reschedule(
	_ context.Context, job *api.Job, delay time.Duration,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rescheduled = append(q.rescheduled, rescheduled{*job, delay})
	return nil
}

func (q *memQueue) Fail(_ context.Context, job *api.Job, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, failed{*job, err})
	return nil
}

func (q *memQueue) settled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed) + len(q.rescheduled) + len(q.failed)
}

func (e *fakeExecutor) ExecuteTask(
	_ context.Context, t api.OperationType, op api.Operation,
	timeout time.Duration,
) (*api.EngineResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, executeCall{t, op, timeout})
	if e.err != nil {
		return nil, e.err
	}
	if e.res != nil {
		return e.res, nil
	}
	return api.NewEngineResponse(api.StatusSuccess, nil), nil
}

func (l *fakeLimiter) ShouldBeLimited(
	_ context.Context, id api.JobID, _ *api.Job,
) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checked = append(l.checked, id)
	return ratelimit.Decision{ShouldRateLimit: l.limited}, l.err
}

func (l *fakeLimiter) OnCompleteOrFailedJob(
	_ context.Context, _ *api.Job, id api.JobID,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id)
	return nil
}

func newTestConsumer(
	t *testing.T, q consumer.Queue, exec consumer.Executor,
	limiter consumer.Limiter,
) *consumer.Consumer {
	t.Helper()
	deps := consumer.Dependencies{
		Queue:    q,
		Executor: exec,
		Clock:    func() time.Time { return testNow },
		Rand:     func() float64 { return 0.5 },
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	c, err := consumer.New(consumer.Config{
		Concurrency:    2,
		PollInterval:   5 * time.Millisecond,
		FlowTimeout:    10 * time.Minute,
		TriggerTimeout: time.Minute,
	}, deps)
	require.NoError(t, err)
	return c
}

const flowJobJSON = `{
	"id": "j1",
	"jobType": "EXECUTE_FLOW",
	"schemaVersion": 3,
	"projectId": "p1",
	"platformId": "plat",
	"environment": "PRODUCTION",
	"flowVersionId": "fv1",
	"runId": "r1",
	"data": {"trigger": 1}
}`

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := consumer.New(consumer.Config{}, consumer.Dependencies{})
	assert.ErrorIs(t, err, consumer.ErrQueueRequired)

	_, err = consumer.New(consumer.Config{}, consumer.Dependencies{
		Queue: &memQueue{},
	})
	assert.ErrorIs(t, err, consumer.ErrExecutorRequired)
}

func TestProcessCompletes(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	limiter := &fakeLimiter{}
	c := newTestConsumer(t, q, exec, limiter)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	require.Len(t, exec.calls, 1)
	call := exec.calls[0]
	assert.Equal(t, api.OperationExecuteFlow, call.opType)
	assert.Equal(t, 10*time.Minute, call.timeout)
	assert.Equal(t, api.FlowVersionID("fv1"), call.op.FlowVersionID)
	assert.JSONEq(t, `{"trigger":1,"runId":"r1"}`, string(call.op.Payload))

	assert.Equal(t, []api.JobID{"j1"}, q.completed)
	require.Contains(t, q.results, api.JobID("j1"))
	assert.Equal(t, api.StatusSuccess, q.results["j1"].Status)
	assert.Empty(t, q.updated)
	assert.Equal(t, []api.JobID{"j1"}, limiter.checked)
	assert.Equal(t, []api.JobID{"j1"}, limiter.released)
}

func TestTriggerJobTimeout(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	c := newTestConsumer(t, q, exec, nil)

	c.Process(context.Background(), json.RawMessage(`{
		"id": "j2", "jobType": "EXECUTE_POLLING", "schemaVersion": 3,
		"platformId": "plat", "environment": "PRODUCTION",
		"flowVersionId": "fv1"
	}`))

	require.Len(t, exec.calls, 1)
	assert.Equal(t, api.OperationExecuteTriggerHook, exec.calls[0].opType)
	assert.Equal(t, time.Minute, exec.calls[0].timeout)
	assert.Equal(t, []api.JobID{"j2"}, q.completed)
}

func TestDeprecatedJobDiscarded(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	limiter := &fakeLimiter{}
	c := newTestConsumer(t, q, exec, limiter)

	c.Process(context.Background(), json.RawMessage(
		`{"id":"j3","jobType":"DELAYED_FLOW","schemaVersion":3}`,
	))

	assert.Empty(t, exec.calls)
	assert.Empty(t, limiter.checked)
	assert.Equal(t, []api.JobID{"j3"}, q.completed)
	assert.Empty(t, q.results)
}

func TestMigratedJobPersisted(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	c := newTestConsumer(t, q, exec, nil)

	c.Process(context.Background(), json.RawMessage(`{
		"id": "j4", "jobType": "EXECUTE_FLOW", "schemaVersion": 1,
		"platformId": "plat", "flowVersion": "fv-old"
	}`))

	require.Len(t, q.updated, 1)
	job := q.updated[0]
	assert.Equal(t, api.LatestSchemaVersion, job.SchemaVersion)
	assert.Equal(t, api.EnvironmentProduction, job.Environment)
	assert.Equal(t, api.FlowVersionID("fv-old"), job.FlowVersionID)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, api.FlowVersionID("fv-old"), exec.calls[0].op.FlowVersionID)
	assert.Equal(t, []api.JobID{"j4"}, q.completed)
}

func TestUnreadableJobDiscarded(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	c := newTestConsumer(t, q, exec, nil)

	c.Process(context.Background(), json.RawMessage(
		`{"id":"j5","schemaVersion":99}`,
	))
	c.Process(context.Background(), json.RawMessage(`garbage`))

	assert.Empty(t, exec.calls)
	assert.Equal(t, []api.JobID{"j5"}, q.completed)
}

func TestRateLimitedJobDeferred(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	limiter := &fakeLimiter{limited: true}
	c := newTestConsumer(t, q, exec, limiter)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	assert.Empty(t, exec.calls)
	require.Len(t, q.rescheduled, 1)
	r := q.rescheduled[0]
	assert.Equal(t, 1, r.job.Priority)
	assert.Equal(t, 1, r.job.RateLimitAttempts)
	assert.Equal(t, 26*time.Second, r.delay)
	assert.Equal(t, []api.JobID{"j1"}, limiter.released)
}

func TestRateLimitedBackoffGrows(t *testing.T) {
	q := &memQueue{}
	c := newTestConsumer(t, q, &fakeExecutor{}, &fakeLimiter{limited: true})

	outcome := c.Consume(context.Background(), &api.Job{
		ID:                "j1",
		JobType:           api.JobTypeExecuteFlow,
		RateLimitAttempts: 2,
	})
	deferred, ok := outcome.(api.Deferred)
	require.True(t, ok)
	assert.True(t, deferred.BumpPriority)
	assert.Equal(t, api.DeferRateLimited, deferred.Reason)
	assert.Equal(t, 104*time.Second, deferred.Delay)
}

func TestLimiterErrorFails(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{}
	limiter := &fakeLimiter{err: errors.New("redis down")}
	c := newTestConsumer(t, q, exec, limiter)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	assert.Empty(t, exec.calls)
	require.Len(t, q.failed, 1)
	assert.EqualError(t, q.failed[0].err, "redis down")
	assert.Equal(t, []api.JobID{"j1"}, limiter.released)
}

func TestInternalErrorFails(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{
		res: api.NewEngineResponse(api.StatusInternalError,
			map[string]string{"message": "boom"}),
	}
	limiter := &fakeLimiter{}
	c := newTestConsumer(t, q, exec, limiter)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	require.Len(t, q.failed, 1)
	assert.ErrorIs(t, q.failed[0].err, consumer.ErrEngineFailure)
	assert.Contains(t, q.failed[0].err.Error(), "boom")
	assert.Equal(t, []api.JobID{"j1"}, limiter.released)
}

func TestExecutorErrorFails(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{err: errors.New("no sandbox")}
	c := newTestConsumer(t, q, exec, nil)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	require.Len(t, q.failed, 1)
	assert.EqualError(t, q.failed[0].err, "no sandbox")
}

func TestTerminalStatusesComplete(t *testing.T) {
	for _, status := range []api.EngineStatus{
		api.StatusTimeout, api.StatusMemoryIssue,
	} {
		t.Run(string(status), func(t *testing.T) {
			q := &memQueue{}
			exec := &fakeExecutor{res: api.NewEngineResponse(status, nil)}
			c := newTestConsumer(t, q, exec, nil)

			outcome := c.Consume(context.Background(), &api.Job{
				ID: "j1", JobType: api.JobTypeExecuteFlow,
			})
			completed, ok := outcome.(api.Completed)
			require.True(t, ok)
			assert.Equal(t, status, completed.Response.Status)
		})
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	c := newTestConsumer(t, &memQueue{}, &fakeExecutor{}, nil)

	outcome := c.Consume(context.Background(), &api.Job{
		ID: "j1", JobType: "MYSTERY",
	})
	f, ok := outcome.(api.Failed)
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, consumer.ErrUnknownJobType)
}

func TestPausedFlowResumes(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{
		res: &api.EngineResponse{
			Status: api.StatusSuccess,
			Response: json.RawMessage(`{
				"status": "PAUSED",
				"pauseMetadata": {
					"type": "DELAY",
					"resumeDateTime": "2026-03-01T12:05:00.000Z"
				}
			}`),
		},
	}
	c := newTestConsumer(t, q, exec, nil)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	require.Len(t, q.rescheduled, 1)
	r := q.rescheduled[0]
	assert.Equal(t, 5*time.Minute, r.delay)
	assert.Equal(t, api.ExecutionResume, r.job.ExecutionType)
	assert.Zero(t, r.job.Priority)
	assert.Empty(t, q.completed)
}

func TestPausedForWebhookCompletes(t *testing.T) {
	q := &memQueue{}
	exec := &fakeExecutor{
		res: &api.EngineResponse{
			Status: api.StatusSuccess,
			Response: json.RawMessage(
				`{"status":"PAUSED","pauseMetadata":{"type":"WEBHOOK"}}`,
			),
		},
	}
	c := newTestConsumer(t, q, exec, nil)

	c.Process(context.Background(), json.RawMessage(flowJobJSON))

	assert.Empty(t, q.rescheduled)
	assert.Equal(t, []api.JobID{"j1"}, q.completed)
}

func TestPastResumeTimeRunsNow(t *testing.T) {
	exec := &fakeExecutor{
		res: &api.EngineResponse{
			Status: api.StatusSuccess,
			Response: json.RawMessage(`{"status":"PAUSED","pauseMetadata":{` +
				`"type":"DELAY","resumeDateTime":"2026-03-01T11:00:00Z"}}`),
		},
	}
	c := newTestConsumer(t, &memQueue{}, exec, nil)

	outcome := c.Consume(context.Background(), &api.Job{
		ID: "j1", JobType: api.JobTypeExecuteFlow,
	})
	d, ok := outcome.(api.Deferred)
	require.True(t, ok)
	assert.Zero(t, d.Delay)
	assert.Equal(t, api.DeferPaused, d.Reason)
}

func TestRunDrainsQueue(t *testing.T) {
	q := &memQueue{}
	for _, id := range []string{"a", "b", "c", "d"} {
		q.push(`{"id":"` + id + `","jobType":"EXECUTE_PROPERTY",` +
			`"schemaVersion":3,"platformId":"plat","flowVersionId":"fv"}`)
	}
	exec := &fakeExecutor{}
	c := newTestConsumer(t, q, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return q.settled() == 4
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.ElementsMatch(t,
		[]api.JobID{"a", "b", "c", "d"}, q.completed,
	)
}
