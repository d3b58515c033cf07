package alert

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisNotifier appends alerts to a Redis stream for downstream dispatchers.
type RedisNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisNotifier creates a notifier writing to stream. maxLen caps the
// stream approximately; zero leaves it unbounded.
func NewRedisNotifier(client *redis.Client, stream string, maxLen int64) (*RedisNotifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if stream == "" {
		return nil, fmt.Errorf("redis stream name cannot be empty")
	}
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen}, nil
}

// NewRedisClient opens a client for addr. It does not dial until first use.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (n *RedisNotifier) Notify(ctx context.Context, a Alert) error {
	data, err := a.MarshalPayload()
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	p := a.Payload()

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"event_id":  p.EventID,
			"timestamp": p.Timestamp.Unix(),
			"data":      string(data),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish alert to redis stream %s: %w", n.stream, err)
	}
	return nil
}
