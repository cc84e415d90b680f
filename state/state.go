package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
)

// Entry is a stored value with its revision.
type Entry struct {
	// Key is the entry key.
	Key string

	// Value is the entry value.
	Value []byte

	// Revision changes on every write. Updates and deletes can be
	// made conditional on it.
	Revision uint64

	// Created is when the key was first written.
	Created time.Time

	// Modified is when the key was last written.
	Modified time.Time
}

// Store is a key-value store with optimistic concurrency.
// Implementations are safe for concurrent use.
type Store interface {
	// Get retrieves an entry by key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create stores a value only if the key does not exist yet.
	// Returns ErrExists otherwise.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update replaces a value if its current revision equals revision.
	// Returns ErrRevisionMismatch if someone wrote in between and
	// ErrNotFound if the key is gone.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes a key. A non-zero revision makes the delete
	// conditional; zero deletes unconditionally and ignores missing keys.
	Delete(ctx context.Context, key string, revision uint64) error

	// Keys returns all keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// ValidateKey checks that a key is usable on every backend.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\r\n*>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}
