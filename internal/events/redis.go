package events

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher is the subset of *redis.Client the sink uses.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a redis pub/sub channel.
type RedisSink struct {
	client  RedisPublisher
	channel string
}

// NewRedisClient builds a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisSink wraps a redis client.
func NewRedisSink(client RedisPublisher, channel string) *RedisSink {
	if channel == "" {
		channel = "engwewatch:events"
	}
	return &RedisSink{client: client, channel: channel}
}

// Publish sends e on the configured channel.
func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", s.channel)
	}
	return nil
}

var _ Sink = (*RedisSink)(nil)
