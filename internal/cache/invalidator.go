package cache

import (
	"context"
	"log/slog"

	"github.com/oriys/agora/internal/logging"
	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying purge patterns.
// When one API process purges a pattern from Redis it publishes the pattern
// here and every subscribed process drops the same keys from its local
// fallback, so a later outage cannot resurrect values invalidated elsewhere.
const InvalidationChannel = "agora:cache:invalidate"

// Bus distributes invalidation patterns between processes sharing a Redis.
type Bus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewBus creates an invalidation bus on the default channel.
func NewBus(client *redis.Client) *Bus {
	return &Bus{
		client:  client,
		channel: InvalidationChannel,
		log:     logging.Op().With("component", "cache_bus"),
	}
}

// Publish announces that keys matching pattern were purged.
func (b *Bus) Publish(ctx context.Context, pattern string) error {
	return b.client.Publish(ctx, b.channel, pattern).Err()
}

// Listen applies received patterns to local until ctx is cancelled. It
// blocks; Store.Start runs it in its own goroutine.
func (b *Bus) Listen(ctx context.Context, local Cache) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := local.DeletePattern(ctx, msg.Payload); err != nil {
				b.log.Warn("apply remote invalidation failed", "pattern", msg.Payload, "error", err)
			}
		}
	}
}
