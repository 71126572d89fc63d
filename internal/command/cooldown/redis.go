package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const keyPrefix = "cooldown"

// RedisTracker stores cooldowns in Redis so every bot process shares them.
// Keys expire on their own, so no sweeping is needed.
type RedisTracker struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewRedisTracker creates a tracker backed by the given client.
func NewRedisTracker(client rueidis.Client, logger *zap.Logger) *RedisTracker {
	return &RedisTracker{
		client: client,
		logger: logger.Named("cooldown"),
	}
}

func (t *RedisTracker) Active(ctx context.Context, userID snowflake.ID, command string) (bool, error) {
	n, err := t.client.Do(ctx, t.client.B().Exists().Key(redisKey(userID, command)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check cooldown: %w", err)
	}

	return n > 0, nil
}

func (t *RedisTracker) Add(ctx context.Context, userID snowflake.ID, command string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	cmd := t.client.B().Set().Key(redisKey(userID, command)).Value("1").PxMilliseconds(ms).Build()
	if err := t.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to add cooldown: %w", err)
	}

	t.logger.Debug("Added cooldown",
		zap.Uint64("userID", uint64(userID)),
		zap.String("command", command),
		zap.Duration("duration", d))

	return nil
}

func redisKey(userID snowflake.ID, command string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, userID, command)
}
