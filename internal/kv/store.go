// Package kv provides the key-value persistence boundary for engine
// aggregates. The engine is agnostic to the backend: an in-memory map for
// tests and single-process runs, or SQLite for durable state. Versioned
// writes via CompareAndSet give aggregate-level atomicity when the caller
// is not using in-process locks.
package kv

import (
	"errors"
	"io"
)

// ErrNotFound indicates the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrVersionConflict indicates a CompareAndSet lost a race: the stored
// version no longer matches the expected one.
var ErrVersionConflict = errors.New("kv: version conflict")

// Entry is a stored value with its version counter.
type Entry struct {
	// Value is the serialized aggregate.
	Value []byte
	// Version increments on every successful write, starting at 1.
	Version int64
}

// Store is the persistence contract for mutable aggregates.
type Store interface {
	io.Closer

	// Get returns the entry for key, or ErrNotFound.
	Get(key string) (Entry, error)
	// Set writes value unconditionally and returns the new version.
	Set(key string, value []byte) (int64, error)
	// CompareAndSet writes value only if the stored version equals
	// expectedVersion. An expectedVersion of 0 requires the key to not
	// exist yet. Returns the new version, or ErrVersionConflict.
	CompareAndSet(key string, value []byte, expectedVersion int64) (int64, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// List returns all entries whose key starts with prefix.
	List(prefix string) (map[string]Entry, error)
}
