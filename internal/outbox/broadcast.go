// internal/outbox/broadcast.go
package outbox

import (
	"context"
	"fmt"

	"crm-pipeline/internal/models"

	"github.com/redis/go-redis/v9"
)

// ChangedEvent is the only message on the broadcast channel. It carries no
// payload; receivers refetch the board.
const ChangedEvent = "pipeline.changed"

// Broadcaster fans pipeline changes out over Redis pub/sub.
type Broadcaster struct {
	redis   *redis.Client
	channel string
}

func NewBroadcaster(client *redis.Client, channel string) *Broadcaster {
	return &Broadcaster{redis: client, channel: channel}
}

func (b *Broadcaster) Name() string { return "redis" }

func (b *Broadcaster) Publish(ctx context.Context, _ models.OutboxEvent) error {
	if err := b.redis.Publish(ctx, b.channel, ChangedEvent).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe returns a channel of broadcast messages that is closed when ctx
// ends or the subscription breaks. A subscriber that falls behind keeps a
// single pending message; the rest are dropped since each one only means
// "refetch".
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := b.redis.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				default:
				}
			}
		}
	}()
	return out, nil
}
