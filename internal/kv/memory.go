package kv

import (
	"strings"
	"sync"
)

// MemoryStore is an in-process Store backed by a map. It is the default
// backend for tests and single-process engines.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Entry)}
}

// Get returns the entry for key, or ErrNotFound.
func (s *MemoryStore) Get(key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Value: append([]byte(nil), e.Value...), Version: e.Version}, nil
}

// Set writes value unconditionally and returns the new version.
func (s *MemoryStore) Set(key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.data[key].Version + 1
	s.data[key] = Entry{Value: append([]byte(nil), value...), Version: version}
	return version, nil
}

// CompareAndSet writes value only if the stored version matches.
func (s *MemoryStore) CompareAndSet(key string, value []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.data[key].Version
	if current != expectedVersion {
		return 0, ErrVersionConflict
	}
	version := current + 1
	s.data[key] = Entry{Value: append([]byte(nil), value...), Version: version}
	return version, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns all entries whose key starts with prefix.
func (s *MemoryStore) List(prefix string) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = Entry{Value: append([]byte(nil), e.Value...), Version: e.Version}
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
