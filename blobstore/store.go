// Package blobstore abstracts the object storage that holds flushed
// artifacts: delta logs and sealed segment files. Objects are immutable
// once written; the flush path writes an object exactly once and
// readers fetch it whole.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object does not exist. Implementations
// return errors satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blobstore: object not found")

// Store is the object-store contract used by flush and recovery.
type Store interface {
	// Put writes an object atomically. Readers never observe a
	// partial object.
	Put(ctx context.Context, name string, data []byte) error

	// Get fetches a whole object.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns object names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
