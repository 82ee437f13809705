package stepstate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type lock struct {
	rdb   redis.Cmdable
	key   string
	token string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// tryLock acquires key for ttl. It returns nil, nil when another holder
// has it
func tryLock(
	ctx context.Context, rdb redis.Cmdable, key string, ttl time.Duration,
) (*lock, error) {
	token := uuid.NewString()
	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &lock{rdb: rdb, key: key, token: token}, nil
}

// release deletes the lock only if it is still held by this token
func (l *lock) release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
