package pool

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/argyll/worker/pkg/log"
)

// Generation is the process-wide execution generation. Sandboxes spawned
// under an older generation are recycled before their next task
type Generation struct {
	v atomic.Int64
}

// GenerationChannel returns the pub/sub channel that signals new builds
func GenerationChannel(prefix string) string {
	return prefix + ":sandbox:generation"
}

// Current returns the current generation
func (g *Generation) Current() int64 {
	return g.v.Load()
}

// Bump advances the generation and returns the new value
func (g *Generation) Bump() int64 {
	return g.v.Add(1)
}

// Watch bumps the generation for every message published on the channel
// until ctx is cancelled. onBump, when non-nil, is called after each bump
func (g *Generation) Watch(
	ctx context.Context, rdb *redis.Client, channel string, onBump func(int64),
) error {
	sub := rdb.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			gen := g.Bump()
			slog.Info("Execution generation bumped",
				log.Generation(gen))
			if onBump != nil {
				onBump(gen)
			}
		}
	}
}
