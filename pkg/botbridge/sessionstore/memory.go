package sessionstore

import (
	"context"
	"sync"
)

// MemoryStore keeps blobs in process memory. Sessions are lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, identity string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[identity]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, identity string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[identity] = append([]byte{}, blob...)
	s.saves++
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, identity)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
