// Package store keeps the set of message identifiers that have already been
// delivered and acknowledged. Reliable delivery consults it to reject a
// duplicate resend of the same logical intent. Entries expire after a
// retention window; expiry never affects correctness because a genuinely new
// message always carries a fresh identifier.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotSupport = errors.New("store: operation not supported")

const DefaultRetention = time.Hour

// ProcessedStore records delivered message identifiers for a retention window.
// Implementations must be safe for concurrent use.
type ProcessedStore interface {
	// Mark records id as delivered. Marking an existing id refreshes it.
	Mark(ctx context.Context, id string) error
	// Seen reports whether id was marked within the retention window.
	Seen(ctx context.Context, id string) (bool, error)
	// Prune drops expired entries. A no-op for stores with native TTLs.
	Prune(ctx context.Context) error
}

type memoryStore struct {
	mu        sync.Mutex
	items     map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore keeps processed ids in a plain map. It is the default store
// and the one used by tests; Prune must be called periodically.
func NewMemoryStore(retention time.Duration) ProcessedStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &memoryStore{
		items:     make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

func (s *memoryStore) Mark(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = s.now().Add(s.retention)
	return nil
}

func (s *memoryStore) Seen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.items[id]
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		delete(s.items, id)
		return false, nil
	}
	return true, nil
}

func (s *memoryStore) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, expiry := range s.items {
		if now.After(expiry) {
			delete(s.items, id)
		}
	}
	return nil
}
