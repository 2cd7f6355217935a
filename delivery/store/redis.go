package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore keeps processed ids in redis so a restarted process still
// rejects duplicates of recently delivered messages. Redis expires entries
// itself, Prune is a no-op.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) ProcessedStore {
	if prefix == "" {
		prefix = "delivered"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &redisStore{client: client, prefix: prefix, retention: retention}
}

func (s *redisStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *redisStore) Mark(ctx context.Context, id string) error {
	return s.client.Set(ctx, s.key(id), 1, s.retention).Err()
}

func (s *redisStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Prune(ctx context.Context) error {
	return nil
}
