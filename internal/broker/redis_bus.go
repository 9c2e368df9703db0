package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannelPrefix = "chat:bus:"

// RedisBus publishes each envelope on <prefix><topic> and pattern-subscribes
// to the whole prefix.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

func NewRedisBus(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+env.Topic(), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed bus payload", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handler(env)
		}
	}()

	b.logger.Debug("bus subscribed", zap.String("pattern", b.prefix+"*"))
	return sub, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
	err    error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}

var _ Bus = (*RedisBus)(nil)
