// Package blobstore abstracts where backup images are kept.
//
// A BlobStore holds named, immutable byte streams. The engine streams a
// device image into Put at backup time and back out of Open at restore
// time; it never needs random access, so the interface stays sequential.
//
// Implementations must be safe for concurrent use.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// BlobStore stores named immutable byte streams.
type BlobStore interface {
	// Put streams r into the blob called name, replacing any previous
	// content atomically: a failed Put leaves no partial blob behind.
	Put(ctx context.Context, name string, r io.Reader) error

	// Open opens the named blob for sequential reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the named blob. Deleting a missing blob is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns the blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
