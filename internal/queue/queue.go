package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kode4food/argyll/worker/internal/scheduler"
	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Config controls retries, leases, result retention, and failed-job
	// retention
	Config struct {
		Prefix            string
		MaxAttempts       int
		RetryBackoff      time.Duration
		Lease             time.Duration
		ResultTTL         time.Duration
		RetentionDays     int
		RetentionMaxCount int
	}

	// Queue is a redis-backed job queue. Jobs are ordered by the time they
	// become due, and higher priorities are served ahead of lower ones
	// that came due at about the same time
	Queue struct {
		rdb   redis.Cmdable
		cfg   Config
		clock scheduler.Clock
	}

	// FailedJob is the retained record of a job that exhausted its
	// attempts
	FailedJob struct {
		Job      *api.Job  `json:"job"`
		Reason   string    `json:"reason"`
		FailedAt time.Time `json:"failedAt"`
	}
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 8 * time.Second
	DefaultLease        = 15 * time.Minute
	DefaultResultTTL    = time.Hour

	// MaxPriority caps how far priority can move a job ahead
	MaxPriority = 10

	priorityStepMs = 1000
	day            = 24 * time.Hour
)

var (
	ErrEmpty       = errors.New("no job is ready")
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidJob  = errors.New("invalid job")
	ErrNoResult    = errors.New("job result not found")
)

// New creates a queue on the given redis client. A nil clock uses the
// system clock
func New(rdb redis.Cmdable, cfg Config, clock scheduler.Clock) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Queue{rdb: rdb, cfg: cfg, clock: clock}
}

// Enqueue stores the job and makes it due after delay. A job without an ID
// is assigned one
func (q *Queue) Enqueue(
	ctx context.Context, job *api.Job, delay time.Duration,
) (api.JobID, error) {
	if job.ID == "" {
		job.ID = api.JobID(uuid.NewString())
	}
	if job.JobType == "" {
		return "", fmt.Errorf("%w: %s: missing job type", ErrInvalidJob, job.ID)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	err = rescheduleScript.Run(ctx, q.rdb, q.readyKeys(),
		string(job.ID), data, q.score(job, delay),
	).Err()
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Dequeue leases the next due job and returns it as stored, so that
// callers can migrate older schema versions before decoding it. ErrEmpty
// is returned when nothing is due
func (q *Queue) Dequeue(ctx context.Context) (json.RawMessage, error) {
	now := q.clock()
	res, err := dequeueScript.Run(ctx, q.rdb, q.readyKeys(),
		now.UnixMilli(), now.Add(q.cfg.Lease).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res), nil
}

// Update replaces the stored contents of a job without changing its place
// in the queue
func (q *Queue) Update(ctx context.Context, job *api.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	n, err := updateScript.Run(ctx, q.rdb, []string{q.key("jobs")},
		string(job.ID), data,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	return nil
}

// Complete removes a finished job. When res is non-nil it is kept for
// ResultTTL and published on the job's ResultChannel
func (q *Queue) Complete(
	ctx context.Context, jobID api.JobID, res *api.EngineResponse,
) error {
	var data []byte
	if res != nil {
		var err error
		if data, err = json.Marshal(res); err != nil {
			return err
		}
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.key("active"), string(jobID))
		p.ZRem(ctx, q.key("ready"), string(jobID))
		p.HDel(ctx, q.key("jobs"), string(jobID))
		if data != nil {
			p.Set(ctx, q.resultKey(jobID), data, q.cfg.ResultTTL)
		}
		return nil
	})
	if err != nil || data == nil {
		return err
	}
	return q.rdb.Publish(ctx, ResultChannel(q.cfg.Prefix, jobID), data).Err()
}

// Result returns the engine response of a completed job while it is
// retained. ErrNoResult is returned once it has expired or if the job never
// completed with one
func (q *Queue) Result(
	ctx context.Context, jobID api.JobID,
) (*api.EngineResponse, error) {
	data, err := q.rdb.Get(ctx, q.resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNoResult, jobID)
	}
	if err != nil {
		return nil, err
	}
	var res api.EngineResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResultChannel is the pub/sub channel a job's engine response is
// published on when it completes
func ResultChannel(prefix string, jobID api.JobID) string {
	return prefix + ":queue:result:" + string(jobID)
}

// Reschedule releases the job's lease and makes it due again after delay
func (q *Queue) Reschedule(
	ctx context.Context, job *api.Job, delay time.Duration,
) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return rescheduleScript.Run(ctx, q.rdb, q.readyKeys(),
		string(job.ID), data, q.score(job, delay),
	).Err()
}

// Fail records a failed attempt. The job is retried with exponential
// backoff until it reaches MaxAttempts, then moved to the failed set
func (q *Queue) Fail(ctx context.Context, job *api.Job, cause error) error {
	job.Attempts++
	if job.Attempts < q.cfg.MaxAttempts {
		delay := q.cfg.RetryBackoff << (job.Attempts - 1)
		slog.Info("Retrying failed job",
			log.JobID(job.ID),
			slog.Int("attempts", job.Attempts),
			slog.Duration("delay", delay),
			log.Error(cause))
		return q.Reschedule(ctx, job, delay)
	}

	now := q.clock()
	record := FailedJob{Job: job, FailedAt: now}
	if cause != nil {
		record.Reason = cause.Error()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	var oldest int64
	if q.cfg.RetentionDays > 0 {
		oldest = now.Add(-time.Duration(q.cfg.RetentionDays) * day).UnixMilli()
	}
	slog.Warn("Job failed permanently",
		log.JobID(job.ID),
		log.JobType(job.JobType),
		slog.Int("attempts", job.Attempts),
		log.Error(cause))
	return failScript.Run(ctx, q.rdb,
		[]string{
			q.key("active"), q.key("jobs"),
			q.key("failed"), q.key("failed:data"),
		},
		string(job.ID), data, now.UnixMilli(), oldest,
		q.cfg.RetentionMaxCount,
	).Err()
}

// Recover returns jobs whose lease expired, because their worker died, to
// the ready set and reports how many were recovered
func (q *Queue) Recover(ctx context.Context) (int, error) {
	return recoverScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("ready")}, q.clock().UnixMilli(),
	).Int()
}

// Failed returns the retained failed jobs, oldest first
func (q *Queue) Failed(ctx context.Context) ([]*FailedJob, error) {
	ids, err := q.rdb.ZRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	vals, err := q.rdb.HMGet(ctx, q.key("failed:data"), ids...).Result()
	if err != nil {
		return nil, err
	}
	res := make([]*FailedJob, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var f FailedJob
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return nil, err
		}
		res = append(res, &f)
	}
	return res, nil
}

// Len returns the number of jobs waiting, including delayed ones
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key("ready")).Result()
}

func (q *Queue) score(job *api.Job, delay time.Duration) int64 {
	prio := min(max(job.Priority, 0), MaxPriority)
	return q.clock().Add(delay).UnixMilli() - int64(prio)*priorityStepMs
}

func (q *Queue) readyKeys() []string {
	return []string{q.key("ready"), q.key("active"), q.key("jobs")}
}

func (q *Queue) resultKey(jobID api.JobID) string {
	return q.key("result:" + string(jobID))
}

func (q *Queue) key(name string) string {
	return q.cfg.Prefix + ":queue:" + name
}
