package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// Useful for testing and single-process clusters.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	revision uint64
	closed   atomic.Bool
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*entry),
	}
}

// Get retrieves an entry by key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent mutation
	val := make([]byte, len(e.value))
	copy(val, e.value)

	return &Entry{
		Key:      key,
		Value:    val,
		Revision: e.revision,
		Created:  e.created,
		Modified: e.modified,
	}, nil
}

// Create stores a value only if the key does not exist yet.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return 0, ErrExists
	}

	now := time.Now()
	s.revision++
	s.data[key] = &entry{
		value:    clone(value),
		revision: s.revision,
		created:  now,
		modified: now,
	}
	return s.revision, nil
}

// Update replaces a value if its current revision equals revision.
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.revision != revision {
		return 0, ErrRevisionMismatch
	}

	s.revision++
	e.value = clone(value)
	e.revision = s.revision
	e.modified = time.Now()
	return s.revision, nil
}

// Delete removes a key, optionally only at the given revision.
func (s *MemoryStore) Delete(ctx context.Context, key string, revision uint64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		if revision == 0 {
			return nil
		}
		return ErrNotFound
	}
	if revision != 0 && e.revision != revision {
		return ErrRevisionMismatch
	}

	delete(s.data, key)
	return nil
}

// Keys returns all keys starting with prefix, sorted.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
