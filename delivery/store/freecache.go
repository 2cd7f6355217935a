package store

import (
	"context"
	"fmt"
	"time"

	"github.com/coocood/freecache"
)

type freeCacheStore struct {
	cache     *freecache.Cache
	retention time.Duration
}

var marked = []byte{1}

// NewFreeCacheStore wraps a freecache instance as a ProcessedStore. The cache
// enforces the retention window through its own TTLs, so Prune is a no-op.
// Recommended size: a few MB; entries are one byte plus the id.
func NewFreeCacheStore(cache *freecache.Cache, retention time.Duration) ProcessedStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &freeCacheStore{cache: cache, retention: retention}
}

func (s *freeCacheStore) Mark(ctx context.Context, id string) error {
	ttlSeconds := int(s.retention.Seconds())
	if err := s.cache.Set([]byte(id), marked, ttlSeconds); err != nil {
		return fmt.Errorf("failed to mark id %s: %w", id, err)
	}
	return nil
}

func (s *freeCacheStore) Seen(ctx context.Context, id string) (bool, error) {
	_, err := s.cache.Get([]byte(id))
	if err != nil {
		if err == freecache.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up id %s: %w", id, err)
	}
	return true, nil
}

func (s *freeCacheStore) Prune(ctx context.Context) error {
	return nil
}
