package messaging

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisPubSub adapts a go-redis client to RedisClient.
type GoRedisPubSub struct {
	client redis.UniversalClient
	subs   []*redis.PubSub
}

// NewGoRedisPubSub wraps client. Close releases subscriptions only; the
// client itself stays open.
func NewGoRedisPubSub(client redis.UniversalClient) *GoRedisPubSub {
	return &GoRedisPubSub{client: client}
}

// Publish implements RedisClient.
func (p *GoRedisPubSub) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// Subscribe implements RedisClient. The returned channel closes when ctx
// is done or the subscription is closed.
func (p *GoRedisPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error) {
	sub := p.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	p.subs = append(p.subs, sub)

	out := make(chan RedisMessage)
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- RedisMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Claim implements RedisClient with SET NX.
func (p *GoRedisPubSub) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, key, 1, ttl).Result()
}

// Close implements RedisClient.
func (p *GoRedisPubSub) Close() error {
	var firstErr error
	for _, sub := range p.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.subs = nil
	return firstErr
}
