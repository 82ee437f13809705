package pool

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/argyll/worker/pkg/api"
)

// ProgressChannel returns the pub/sub channel run-progress updates are
// published on
func ProgressChannel(prefix string) string {
	return prefix + ":run:progress"
}

// PublishProgress returns a ProgressFunc that publishes every update on
// channel. The sandbox is held until redis accepts the message
func PublishProgress(rdb redis.Cmdable, channel string) ProgressFunc {
	return func(
		ctx context.Context, id api.SandboxID, progress json.RawMessage,
	) error {
		data, err := json.Marshal(api.RunProgress{
			SandboxID: id,
			Progress:  progress,
		})
		if err != nil {
			return err
		}
		return rdb.Publish(ctx, channel, data).Err()
	}
}
