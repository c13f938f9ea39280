package indexing

import (
	"context"
	"log/slog"
	"time"

	"github.com/yemenstay/property-search-index/pkg/kafka"
)

// InvalidationBroadcaster flushes the local query cache and announces the
// invalidation on Kafka so sibling caches (the booking API's edge cache)
// drop their copies too. Either side may be nil; broadcast failures are
// logged, never propagated, since the index write itself already landed.
type InvalidationBroadcaster struct {
	local    CacheInvalidator
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewInvalidationBroadcaster wires the local cache with an optional Kafka
// producer on the cache-invalidate topic.
func NewInvalidationBroadcaster(local CacheInvalidator, producer *kafka.Producer) *InvalidationBroadcaster {
	return &InvalidationBroadcaster{
		local:    local,
		producer: producer,
		logger:   slog.Default().With("component", "cache-invalidation"),
	}
}

// Invalidate implements CacheInvalidator.
func (b *InvalidationBroadcaster) Invalidate(ctx context.Context) error {
	if b.local != nil {
		if err := b.local.Invalidate(ctx); err != nil {
			b.logger.Warn("local cache flush failed", "error", err)
		}
	}
	if b.producer != nil {
		event := kafka.Event{
			Key: "search-index",
			Value: map[string]any{
				"source":        "property-search-index",
				"invalidatedAt": time.Now().UTC(),
			},
		}
		if err := b.producer.Publish(ctx, event); err != nil {
			b.logger.Warn("invalidation broadcast failed", "error", err)
		}
	}
	return nil
}
