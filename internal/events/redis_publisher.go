package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bikeshop/order-service/internal/services"
)

// RedisPublisher broadcasts events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

var _ services.EventPublisher = (*RedisPublisher)(nil)

func NewRedisPublisher(client redis.UniversalClient, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("redis event publisher: client is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("redis event publisher: channel is required")
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event services.Event) error {
	data, err := NewEnvelope(event).Marshal()
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish order event to %s: %w", p.channel, err)
	}
	return nil
}
