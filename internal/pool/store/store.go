// Package store abstracts persistence of pool.Record state across restarts
// and across worker processes (spec.md §9 "Persistence pluggability").
// Only get/put-with-version/list/delete matter to the pool; everything else
// is backend-internal.
package store

import (
	"context"
	"errors"
)

// ErrConflict is returned by Put when the caller's expected version does not
// match the version currently on disk (optimistic concurrency, spec.md §4.1).
var ErrConflict = errors.New("store: version conflict")

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("store: not found")

// Stored is the on-disk representation: raw JSON plus its version counter.
type Stored struct {
	ID      string
	Data    []byte
	Version uint64
}

// Store is the persistence contract every backend (file, bbolt, ...)
// implements. Records are opaque []byte blobs from the store's perspective;
// the pool owns (de)serialization.
type Store interface {
	// Get returns the stored record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Stored, error)
	// List returns every stored record.
	List(ctx context.Context) ([]Stored, error)
	// Put writes data for id. expectedVersion must match the version
	// currently on disk (0 means "must not exist yet"); on success the new
	// version is returned. A mismatch returns ErrConflict and leaves the
	// stored value untouched.
	Put(ctx context.Context, id string, data []byte, expectedVersion uint64) (newVersion uint64, err error)
	// Delete removes the record for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Close releases any resources (file handles, db handles) held by the store.
	Close() error
}
