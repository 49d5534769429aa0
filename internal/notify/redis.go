package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDispatcher publishes notifications as JSON on "<channel>:<recipient>"
// and on the shared "<channel>" feed for consumers that want everything.
type RedisDispatcher struct {
	client  redis.UniversalClient
	channel string
	clock   func() time.Time
}

func NewRedisDispatcher(client redis.UniversalClient, channel string) *RedisDispatcher {
	if channel == "" {
		channel = "crm:notifications"
	}
	return &RedisDispatcher{client: client, channel: channel, clock: time.Now}
}

func (d *RedisDispatcher) Send(ctx context.Context, n Notification) error {
	if n.RecipientID == "" {
		return ErrNoRecipient
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.clock().UTC()
	}
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}

	pipe := d.client.Pipeline()
	pipe.Publish(ctx, d.channel+":"+n.RecipientID, b)
	pipe.Publish(ctx, d.channel, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", n.Kind, n.RecipientID, err)
	}
	return nil
}
