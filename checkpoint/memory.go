package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory checkpoint store for testing.
//
// This store is not suitable for production as data is lost on restart.
// Use RedisStore or MongoStore for production workloads.
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[Key]int64
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offsets: make(map[Key]int64),
	}
}

// Save persists the offset for key.
func (s *MemoryStore) Save(ctx context.Context, key Key, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets[key] = offset
	return nil
}

// Load retrieves the last saved offset for key.
func (s *MemoryStore) Load(ctx context.Context, key Key) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset, ok := s.offsets[key]
	return offset, ok, nil
}

// Delete removes the offset for key.
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.offsets, key)
	return nil
}

// Len returns the number of stored offsets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}
