package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/redis/go-redis/v9"
)

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher sends events to a Redis channel so that every instance's
// RedisBridge can deliver them to its local hub.
type RedisPublisher struct {
	client  redisPublishClient
	channel string
}

func NewRedisPublisher(client redisPublishClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// RedisBridge forwards events from a Redis channel into a local Publisher,
// normally the Hub.
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   Publisher
	logger  logging.Logger
}

func NewRedisBridge(client *redis.Client, channel string, local Publisher, logger logging.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger.With("module", "notify.redis"),
	}
}

// Run subscribes and forwards until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info(ctx, "subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(ctx, msg.Payload)
		}
	}
}

func (b *RedisBridge) forward(ctx context.Context, payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		b.logger.Warn(ctx, "discarding malformed event", "error", err)
		return
	}
	if err := b.local.Publish(ctx, e); err != nil {
		b.logger.Error(ctx, "local delivery failed", "batch_id", e.BatchID, "error", err)
	}
}
