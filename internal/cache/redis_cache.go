package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisMarker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMarker(rdb *redis.Client, ttl time.Duration) *RedisMarker {
	return &RedisMarker{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func (c *RedisMarker) WasSent(ctx context.Context, jobID, contactID uint64) (bool, error) {
	n, err := c.rdb.Exists(ctx, sentKey(jobID, contactID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisMarker) MarkSent(ctx context.Context, jobID, contactID uint64, messageID string) error {
	b, err := json.Marshal(sentValue{MessageID: messageID, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sentKey(jobID, contactID), b, c.ttl).Err()
}
