package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/kode4food/argyll/worker/internal/metrics"
	"github.com/kode4food/argyll/worker/internal/queue"
	"github.com/kode4food/argyll/worker/internal/ratelimit"
	"github.com/kode4food/argyll/worker/internal/scheduler"
	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Queue is the job source the consumer drains
	Queue interface {
		Dequeue(ctx context.Context) (json.RawMessage, error)
		Update(ctx context.Context, job *api.Job) error
		Complete(
			ctx context.Context, jobID api.JobID, res *api.EngineResponse,
		) error
		Reschedule(ctx context.Context, job *api.Job, delay time.Duration) error
		Fail(ctx context.Context, job *api.Job, cause error) error
	}

	// Limiter gates flow jobs on their project's concurrency budget
	Limiter interface {
		ShouldBeLimited(
			ctx context.Context, jobID api.JobID, job *api.Job,
		) (ratelimit.Decision, error)
		OnCompleteOrFailedJob(
			ctx context.Context, job *api.Job, jobID api.JobID,
		) error
	}

	// Executor runs one operation to a terminal response
	Executor interface {
		ExecuteTask(
			ctx context.Context, t api.OperationType, op api.Operation,
			timeout time.Duration,
		) (*api.EngineResponse, error)
	}

	// Config tunes the consumption loop
	Config struct {
		Concurrency    int
		PollInterval   time.Duration
		FlowTimeout    time.Duration
		TriggerTimeout time.Duration
	}

	// Dependencies are the collaborators of a Consumer. Limiter, Metrics,
	// Clock, and Rand are optional
	Dependencies struct {
		Queue    Queue
		Executor Executor
		Limiter  Limiter
		Migrator *Migrator
		Metrics  *metrics.Collector
		Clock    scheduler.Clock
		Rand     func() float64
	}

	// Consumer is the job consumption loop
	Consumer struct {
		cfg  Config
		deps Dependencies
		sem  *semaphore.Weighted
		wg   sync.WaitGroup
	}
)

const DefaultPollInterval = time.Second

var (
	ErrQueueRequired    = errors.New("consumer requires a queue")
	ErrExecutorRequired = errors.New("consumer requires an executor")
	ErrUnknownJobType   = errors.New("unknown job type")
	ErrEngineFailure    = errors.New("engine reported an internal error")
)

// New creates a Consumer
func New(cfg Config, deps Dependencies) (*Consumer, error) {
	if deps.Queue == nil {
		return nil, ErrQueueRequired
	}
	if deps.Executor == nil {
		return nil, ErrExecutorRequired
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if deps.Migrator == nil {
		deps.Migrator = NewMigrator()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	return &Consumer{
		cfg:  cfg,
		deps: deps,
		sem:  semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Run dequeues and processes jobs until ctx is cancelled, running up to
// Concurrency jobs at once. It waits for in-flight jobs before returning
func (c *Consumer) Run(ctx context.Context) error {
	defer c.wg.Wait()
	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		raw, err := c.deps.Queue.Dequeue(ctx)
		if err != nil {
			c.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, queue.ErrEmpty) {
				slog.Error("Failed to dequeue job", log.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.PollInterval):
			}
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.sem.Release(1)
			c.Process(ctx, raw)
		}()
	}
}

// Process handles one dequeued job: migrate, consume, and settle it in the
// queue
func (c *Consumer) Process(ctx context.Context, raw json.RawMessage) {
	migrated, changed, err := c.deps.Migrator.Migrate(raw)
	if err != nil {
		c.discard(ctx, raw, err)
		return
	}

	var job api.Job
	if err := json.Unmarshal(migrated, &job); err != nil {
		c.discard(ctx, raw, err)
		return
	}
	if changed {
		if err := c.deps.Queue.Update(ctx, &job); err != nil {
			slog.Error("Failed to persist migrated job",
				log.JobID(job.ID),
				log.Error(err))
		}
	}

	outcome := c.Consume(ctx, &job)
	if err := c.settle(ctx, &job, outcome); err != nil {
		slog.Error("Failed to settle job",
			log.JobID(job.ID),
			log.Error(err))
	}
}

// Consume runs a job and returns what should happen to it. The limiter's
// completion hook is called for every job that reaches the limiter
func (c *Consumer) Consume(ctx context.Context, job *api.Job) api.Outcome {
	if job.JobType.IsDeprecated() {
		slog.Debug("Discarding deprecated job",
			log.JobID(job.ID),
			log.JobType(job.JobType))
		return api.Completed{}
	}

	if c.deps.Limiter != nil {
		defer func() {
			err := c.deps.Limiter.OnCompleteOrFailedJob(ctx, job, job.ID)
			if err != nil {
				slog.Error("Failed to release rate limit",
					log.JobID(job.ID),
					log.Error(err))
			}
		}()

		d, err := c.deps.Limiter.ShouldBeLimited(ctx, job.ID, job)
		if err != nil {
			return api.Failed{Err: err}
		}
		if d.ShouldRateLimit {
			return api.Deferred{
				Delay:        RateLimitDelay(job.RateLimitAttempts, c.deps.Rand),
				BumpPriority: true,
				Reason:       api.DeferRateLimited,
			}
		}
	}

	return c.execute(ctx, job)
}

func (c *Consumer) execute(ctx context.Context, job *api.Job) api.Outcome {
	opType, ok := job.JobType.OperationType()
	if !ok {
		return api.Failed{
			Err: fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType),
		}
	}

	timeout := job.Timeout(c.cfg.FlowTimeout, c.cfg.TriggerTimeout)
	res, err := c.deps.Executor.ExecuteTask(ctx, opType, job.Operation(), timeout)
	if err != nil {
		return api.Failed{Err: err}
	}

	switch res.Status {
	case api.StatusInternalError:
		return api.Failed{Err: fmt.Errorf("%w: %s", ErrEngineFailure,
			gjson.GetBytes(res.Response, "message").String())}
	case api.StatusSuccess:
		if job.JobType != api.JobTypeExecuteFlow {
			break
		}
		if delay, ok := pausedDelay(res.Response, c.deps.Clock()); ok {
			job.ExecutionType = api.ExecutionResume
			return api.Deferred{Delay: delay, Reason: api.DeferPaused}
		}
	}
	return api.Completed{Response: res}
}

func (c *Consumer) settle(
	ctx context.Context, job *api.Job, outcome api.Outcome,
) error {
	logger := slog.With(log.JobID(job.ID), log.JobType(job.JobType))
	switch o := outcome.(type) {
	case api.Completed:
		c.deps.Metrics.RecordOutcome(string(job.JobType), "completed")
		if o.Response != nil {
			logger.Debug("Job completed", log.Status(o.Response.Status))
		}
		return c.deps.Queue.Complete(ctx, job.ID, o.Response)
	case api.Deferred:
		c.deps.Metrics.RecordOutcome(string(job.JobType), "deferred")
		if o.BumpPriority {
			job.Priority++
			job.RateLimitAttempts++
		}
		logger.Info("Job deferred",
			slog.String("reason", string(o.Reason)),
			slog.Duration("delay", o.Delay))
		return c.deps.Queue.Reschedule(ctx, job, o.Delay)
	case api.Failed:
		c.deps.Metrics.RecordOutcome(string(job.JobType), "failed")
		logger.Warn("Job failed", log.Error(o.Err))
		return c.deps.Queue.Fail(ctx, job, o.Err)
	default:
		panic(fmt.Errorf("unexpected outcome: %T", outcome))
	}
}

func (c *Consumer) discard(ctx context.Context, raw json.RawMessage, err error) {
	id := api.JobID(gjson.GetBytes(raw, "id").String())
	slog.Error("Discarding unreadable job",
		log.JobID(id),
		log.Error(err))
	if id == "" {
		return
	}
	if err := c.deps.Queue.Complete(ctx, id, nil); err != nil {
		slog.Error("Failed to discard job",
			log.JobID(id),
			log.Error(err))
	}
}
