package fanout

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "qms:events"

// RedisSink publishes envelopes on a pub/sub channel so other instances and
// external consumers see the same stream. Counter events go to
// "<channel>:counter:<id>".
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Channel(scope Scope) string {
	if scope.CounterID == "" {
		return s.channel
	}
	return s.channel + ":counter:" + scope.CounterID
}

func (s *RedisSink) Deliver(ctx context.Context, event Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.Channel(event.Scope), payload).Err()
}
