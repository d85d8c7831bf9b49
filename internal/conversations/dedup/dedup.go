// Package dedup provides first-occurrence detection for inbound messages
// backed by Redis SET NX with a TTL.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"aurum_backend/platform/logger"
)

// Store answers "is this the first time we see this id?". It fails open:
// when Redis is unreachable the message is treated as new, so a cache outage
// can at worst duplicate work, never drop it.
type Store struct {
	client *redis.Client
	log    *logger.Logger
}

func NewStore(client *redis.Client, log *logger.Logger) *Store {
	return &Store{client: client, log: log}
}

// FirstOccurrence claims id for ttl and reports whether this call was the
// first to claim it. A nil client or a Redis error reports true.
func (s *Store) FirstOccurrence(ctx context.Context, id string, ttl time.Duration) bool {
	if s.client == nil {
		return true
	}

	ok, err := s.client.SetNX(ctx, id, "1", ttl).Result()
	if err != nil {
		s.log.Warn("dedup check failed, treating as first occurrence", "id", id, "error", err)
		return true
	}
	return ok
}

// Ping reports Redis connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}
