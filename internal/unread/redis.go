package unread

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCounter keeps each user's counters in one hash: key
// "unread:<userID>", field = thread UUID, value = count. One HGETALL
// yields the whole snapshot, one HINCRBY bumps a thread, one HDEL
// resets it — all O(threads-with-unread), which is small.
type RedisCounter struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisCounter(rdb *redis.Client, logger *zap.Logger) *RedisCounter {
	return &RedisCounter{rdb: rdb, logger: logger}
}

func key(userID uuid.UUID) string {
	return "unread:" + userID.String()
}

func (c *RedisCounter) Incr(ctx context.Context, userID, threadID uuid.UUID) (int64, error) {
	n, err := c.rdb.HIncrBy(ctx, key(userID), threadID.String(), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("incr unread: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Reset(ctx context.Context, userID, threadID uuid.UUID) error {
	if err := c.rdb.HDel(ctx, key(userID), threadID.String()).Err(); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (c *RedisCounter) Snapshot(ctx context.Context, userID uuid.UUID) (map[string]int64, int64, error) {
	fields, err := c.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot unread: %w", err)
	}

	perThread := make(map[string]int64, len(fields))
	var total int64
	for thread, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			// A corrupt field shouldn't take down the snapshot.
			c.logger.Warn("skipping malformed unread field",
				zap.String("user", userID.String()),
				zap.String("thread", thread),
				zap.String("value", raw),
			)
			continue
		}
		perThread[thread] = n
		total += n
	}
	return perThread, total, nil
}
