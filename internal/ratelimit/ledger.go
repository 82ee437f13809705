package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/argyll/worker/pkg/api"
)

type (
	// Ledger records which jobs currently hold a project's concurrency
	// budget. Every mutation is atomic on the store side
	Ledger interface {
		AtomicRateCheck(
			ctx context.Context, setKey string, now time.Time,
			timeout time.Duration, maxJobs int, jobID api.JobID,
		) (bool, error)
		AtomicRemove(ctx context.Context, setKey string, jobID api.JobID) error
	}

	// RedisLedger keeps each project's in-flight jobs in a sorted set
	// scored by admission time
	RedisLedger struct {
		rdb redis.Cmdable
	}
)

// rateCheck sweeps expired entries, then admits a job that is already
// present, rejects when the set is full, or records the job
var rateCheck = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local job = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - timeout)
if redis.call("ZSCORE", key, job) then
	redis.call("PEXPIRE", key, timeout)
	return 1
end
if redis.call("ZCARD", key) >= max then
	return 0
end
redis.call("ZADD", key, now, job)
redis.call("PEXPIRE", key, timeout)
return 1
`)

// NewRedisLedger creates a ledger backed by the given redis client
func NewRedisLedger(rdb redis.Cmdable) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

// AtomicRateCheck reports whether jobID may run. Entries older than timeout
// are treated as abandoned and removed first
func (l *RedisLedger) AtomicRateCheck(
	ctx context.Context, setKey string, now time.Time,
	timeout time.Duration, maxJobs int, jobID api.JobID,
) (bool, error) {
	res, err := rateCheck.Run(ctx, l.rdb, []string{setKey},
		now.UnixMilli(), timeout.Milliseconds(), maxJobs, string(jobID),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// AtomicRemove releases the job's entry, if any
func (l *RedisLedger) AtomicRemove(
	ctx context.Context, setKey string, jobID api.JobID,
) error {
	return l.rdb.ZRem(ctx, setKey, string(jobID)).Err()
}
