package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/argyll/worker/internal/metrics"
	"github.com/kode4food/argyll/worker/internal/scheduler"
	"github.com/kode4food/argyll/worker/pkg/api"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type (
	// Config holds the limits applied per project
	Config struct {
		Prefix        string
		FlowTimeout   time.Duration
		DefaultLimit  int
		UsePlanLimits bool
		PlanLimits    map[string]int
	}

	// Dependencies are the collaborators of a Limiter. Ledger defaults to a
	// RedisLedger on Redis, and Clock to the system clock
	Dependencies struct {
		Redis   redis.Cmdable
		Ledger  Ledger
		Metrics *metrics.Collector
		Clock   scheduler.Clock
	}

	// Limiter caps the number of flow runs a project may have in flight
	// across all workers
	Limiter struct {
		cfg  Config
		deps Dependencies
	}

	// Decision is the outcome of a rate check
	Decision struct {
		ShouldRateLimit bool
	}
)

// expiryGrace is added to the flow timeout before a ledger entry is
// considered abandoned
const expiryGrace = time.Minute

var (
	ErrRedisRequired = errors.New("rate limiter requires a redis client")
	ErrRateCheck     = errors.New("rate check failed")
)

// New creates a Limiter
func New(cfg Config, deps Dependencies) (*Limiter, error) {
	if deps.Redis == nil {
		return nil, ErrRedisRequired
	}
	if deps.Ledger == nil {
		deps.Ledger = NewRedisLedger(deps.Redis)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Limiter{cfg: cfg, deps: deps}, nil
}

// ShouldBeLimited records the job against its project's budget and reports
// whether it must wait. Re-checking a job that already holds an entry
// admits it again
func (l *Limiter) ShouldBeLimited(
	ctx context.Context, jobID api.JobID, job *api.Job,
) (Decision, error) {
	if !subjectToLimit(job) {
		return Decision{}, nil
	}

	limit, err := l.LimitFor(ctx, job.ProjectID)
	if err != nil {
		return Decision{}, err
	}

	ok, err := l.deps.Ledger.AtomicRateCheck(ctx,
		l.ledgerKey(job.ProjectID), l.deps.Clock(),
		l.cfg.FlowTimeout+expiryGrace, limit, jobID,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrRateCheck, err)
	}
	if ok {
		return Decision{}, nil
	}

	l.deps.Metrics.RateLimited()
	slog.Info("Job rate limited",
		log.JobID(jobID),
		log.ProjectID(job.ProjectID),
		slog.Int("limit", limit))
	return Decision{ShouldRateLimit: true}, nil
}

// OnCompleteOrFailedJob releases the job's entry from its project's budget
func (l *Limiter) OnCompleteOrFailedJob(
	ctx context.Context, job *api.Job, jobID api.JobID,
) error {
	if !subjectToLimit(job) {
		return nil
	}
	return l.deps.Ledger.AtomicRemove(ctx, l.ledgerKey(job.ProjectID), jobID)
}

// LimitFor resolves a project's limit: a per-project override stored in
// redis, then the project's plan (when plan limits are enabled), then the
// global default
func (l *Limiter) LimitFor(
	ctx context.Context, projectID api.ProjectID,
) (int, error) {
	override, err := l.deps.Redis.Get(ctx, l.overrideKey(projectID)).Result()
	switch {
	case err == nil:
		if n, err := strconv.Atoi(override); err == nil && n > 0 {
			return n, nil
		}
		slog.Warn("Ignoring invalid project limit override",
			log.ProjectID(projectID),
			slog.String("value", override))
	case !errors.Is(err, redis.Nil):
		return 0, err
	}

	if !l.cfg.UsePlanLimits {
		return l.cfg.DefaultLimit, nil
	}

	plan, err := l.deps.Redis.Get(ctx, l.planKey(projectID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return l.cfg.DefaultLimit, nil
	case err != nil:
		return 0, err
	}
	if n, ok := l.cfg.PlanLimits[plan]; ok {
		return n, nil
	}
	slog.Warn("Unknown plan, using default limit",
		log.ProjectID(projectID),
		slog.String("plan", plan))
	return l.cfg.DefaultLimit, nil
}

func (l *Limiter) ledgerKey(id api.ProjectID) string {
	return l.cfg.Prefix + ":ratelimit:jobs:" + string(id)
}

func (l *Limiter) overrideKey(id api.ProjectID) string {
	return OverrideKey(l.cfg.Prefix, id)
}

func (l *Limiter) planKey(id api.ProjectID) string {
	return PlanKey(l.cfg.Prefix, id)
}

// OverrideKey is the redis key holding a project's limit override
func OverrideKey(prefix string, id api.ProjectID) string {
	return prefix + ":ratelimit:limit:" + string(id)
}

// PlanKey is the redis key holding a project's plan name
func PlanKey(prefix string, id api.ProjectID) string {
	return prefix + ":project:plan:" + string(id)
}

func subjectToLimit(job *api.Job) bool {
	return job.JobType == api.JobTypeExecuteFlow && !job.IsTestRun() &&
		job.ProjectID != ""
}
