package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/crossdevice/internal/ports"
)

// MemStore is an in-memory ports.Store.
//
// Thread-safety: safe for concurrent use via internal mutex.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Load returns a copy of the value for key or ports.ErrKeyNotFound.
func (s *MemStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ports.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Save stores a copy of data under key.
func (s *MemStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// FailWith makes every later call return err. Nil restores normal operation.
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Keys returns the stored keys in sorted order.
func (s *MemStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
