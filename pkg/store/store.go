// Package store provides the persistent key-value backends behind the
// result cache.
//
// Every backend implements Store. Backends create their underlying resource
// (directory, connection) lazily, so a first run against an empty location
// works. Guard wraps a backend for shared use: it opens it once, on first use,
// and turns every storage failure into a miss or a no-op.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// SchemaVersion tags every entry written by this package. Entries carrying
// any other version are treated as absent.
const SchemaVersion = 1

// ErrNotFound is returned by Store.Get when no entry exists for a key.
var ErrNotFound = errors.New("store: entry not found")

// Entry is a cached value and the time it was produced.
type Entry struct {
	// Version is the schema version the entry was written with.
	Version int `json:"version" yaml:"version"`

	// Data is the JSON encoding of the cached value.
	Data json.RawMessage `json:"data" yaml:"data"`

	// CreatedAt is the production time in epoch milliseconds.
	CreatedAt int64 `json:"created_at" yaml:"created_at"`
}

// Store is a key-value store of cache entries. Implementations must be safe
// for concurrent use; concurrent writes to one key resolve last-write-wins.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put stores e under key, replacing any existing entry.
	Put(ctx context.Context, key string, e Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Opener creates a Store. It is called at most once by a Guard.
type Opener func(ctx context.Context) (Store, error)
