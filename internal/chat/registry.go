package chat

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Subscriber is anything that can receive group deliveries. Deliver must not
// block.
type Subscriber interface {
	ID() string
	Deliver(payload []byte) error
}

// Broadcaster fans a payload out to every member of a group, either in
// process (Registry) or across instances (RedisRelay).
type Broadcaster interface {
	Broadcast(ctx context.Context, key GroupKey, payload []byte) error
}

const shardCount = 32

type shard struct {
	mu     sync.RWMutex
	groups map[GroupKey]map[string]Subscriber
}

// Registry maps group keys to their live subscribers. The key space is split
// over fixed shards so unrelated groups never contend on the same lock.
type Registry struct {
	shards [shardCount]shard
	log    *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{log: log.Named("registry")}
	for i := range r.shards {
		r.shards[i].groups = make(map[GroupKey]map[string]Subscriber)
	}
	return r
}

func (r *Registry) shardFor(key GroupKey) *shard {
	return &r.shards[xxhash.Sum64String(string(key))%shardCount]
}

// Join is idempotent.
func (r *Registry) Join(key GroupKey, sub Subscriber) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[key]
	if !ok {
		members = make(map[string]Subscriber)
		s.groups[key] = members
	}
	members[sub.ID()] = sub
}

// Leave is a no-op for unknown keys or subscribers.
func (r *Registry) Leave(key GroupKey, sub Subscriber) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[key]
	if !ok {
		return
	}
	delete(members, sub.ID())
	if len(members) == 0 {
		delete(s.groups, key)
	}
}

// Broadcast delivers payload to every current member of key. Delivery runs
// outside the shard lock, so a subscriber may leave concurrently. A failing
// subscriber is logged and skipped.
func (r *Registry) Broadcast(ctx context.Context, key GroupKey, payload []byte) error {
	s := r.shardFor(key)
	s.mu.RLock()
	members := lo.Values(s.groups[key])
	s.mu.RUnlock()

	for _, sub := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sub.Deliver(payload); err != nil {
			r.log.Warn("delivery failed",
				zap.String("group", string(key)),
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Registry) Members(key GroupKey) int {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[key])
}
