package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "relaychat:events"

type envelope struct {
	Group   GroupKey        `json:"group"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay makes group delivery cluster-wide: Broadcast publishes to Redis
// and every instance's Run loop hands what it hears to its local Registry.
type RedisRelay struct {
	rdb       *redis.Client
	local     *Registry
	log       *zap.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisRelay(rdb *redis.Client, local *Registry, log *zap.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:   rdb,
		local: local,
		log:   log.Named("relay"),
		ready: make(chan struct{}),
	}
}

func (r *RedisRelay) Broadcast(ctx context.Context, key GroupKey, payload []byte) error {
	data, err := json.Marshal(envelope{Group: key, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, relayChannel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed by Redis.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run blocks, forwarding relayed events to the local registry until ctx is
// cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, relayChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info("subscribed", zap.String("channel", relayChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed envelope", zap.Error(err))
				continue
			}
			_ = r.local.Broadcast(ctx, env.Group, env.Payload)
		}
	}
}
