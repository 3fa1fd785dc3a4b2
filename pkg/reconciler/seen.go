package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultSeenTTL covers the provider's redelivery window
const DefaultSeenTTL = 72 * time.Hour

// SeenStore remembers handled event ids across restarts and instances
type SeenStore interface {
	// Seen returns the outcome recorded for eventID, if any
	Seen(ctx context.Context, eventID string) (Outcome, bool, error)
	// Remember records the outcome of a handled event
	Remember(ctx context.Context, eventID string, outcome Outcome) error
}

// RedisSeenStore keeps handled event ids in Redis with a TTL
type RedisSeenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeenStore creates a RedisSeenStore. A zero ttl uses DefaultSeenTTL.
func NewRedisSeenStore(client *redis.Client, prefix string, ttl time.Duration) *RedisSeenStore {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	if prefix == "" {
		prefix = "plangate:webhook:"
	}
	return &RedisSeenStore{client: client, prefix: prefix, ttl: ttl}
}

// Seen implements SeenStore
func (s *RedisSeenStore) Seen(ctx context.Context, eventID string) (Outcome, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+eventID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up event %s: %w", eventID, err)
	}
	return Outcome(value), true, nil
}

// Remember implements SeenStore. The first recorded outcome wins.
func (s *RedisSeenStore) Remember(ctx context.Context, eventID string, outcome Outcome) error {
	if err := s.client.SetNX(ctx, s.prefix+eventID, string(outcome), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record event %s: %w", eventID, err)
	}
	return nil
}
