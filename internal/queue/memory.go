// ABOUTME: In-memory Store implementation for tests and as a no-durability fallback.
// ABOUTME: Mirrors the persisted-JSON semantics of the durable backends.

package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory Store. Queues do not survive a restart, but the
// rest of the connection machinery behaves identically to the durable backends.
type MemoryStore struct {
	mu     sync.RWMutex
	queues map[string][]byte // stored in encoded form to mirror durable backends
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string][]byte)}
}

// Load returns the stored queue for key, oldest first.
func (s *MemoryStore) Load(_ context.Context, key string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.queues[key]
	if !ok {
		return nil, nil
	}
	return decode(data), nil
}

// Save replaces the stored queue for key.
func (s *MemoryStore) Save(_ context.Context, key string, frames []json.RawMessage) error {
	data, err := encode(frames)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[key] = data
	return nil
}

// Clear removes the stored queue for key.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Corrupt overwrites the stored record for key with non-JSON data. Test hook
// for the reset-on-parse-failure path.
func (s *MemoryStore) Corrupt(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[key] = []byte("{not json")
}
