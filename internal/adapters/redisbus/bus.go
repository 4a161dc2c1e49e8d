package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// Channel carries every progress event; workers in one process reach
// subscription registries in any other through it.
const Channel = "sse:events"

// Bus implements ports.Bus over Redis PUBLISH/SUBSCRIBE. Delivery is
// best-effort and fire-and-forget; the datastore stays authoritative.
type Bus struct {
	logger *slog.Logger
	rdb    redis.UniversalClient
}

var _ ports.Bus = (*Bus)(nil)

func New(logger *slog.Logger, rdb redis.UniversalClient) *Bus {
	return &Bus{logger: logger, rdb: rdb}
}

func (b *Bus) Publish(ctx context.Context, e domain.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe blocks delivering every event on the channel to fn until ctx
// is cancelled. Malformed messages are logged and skipped.
func (b *Bus) Subscribe(ctx context.Context, fn func(domain.Event)) error {
	sub := b.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	// Force the subscription before consuming so callers can rely on
	// events published after Subscribe returns control to the loop.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}

	ch := sub.Channel()
	b.logger.Info("event bus subscription active", "channel", Channel)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bus subscription closed")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn("dropping malformed bus message", "error", err)
				continue
			}
			fn(e)
		}
	}
}
