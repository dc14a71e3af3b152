package conversation

import (
	"context"
	"sync"
)

// InMemoryStore keeps conversations for the life of the process.
type InMemoryStore struct {
	mu     sync.RWMutex
	owners map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{owners: make(map[string][]Message)}
}

func (s *InMemoryStore) Append(_ context.Context, owner string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[owner] = append(s.owners[owner], msg)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, owner string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.owners[owner]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Clear(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, owner)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
