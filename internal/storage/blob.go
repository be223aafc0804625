// Package storage defines the blob store abstraction used to archive final
// task results. Implementations live in the gcs, local, and memory
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject for unknown paths.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore saves and loads opaque objects by path.
type BlobStore interface {
	// PutObject uploads r to path and returns a URI describing the location.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// GetObject returns the content stored at path or ErrObjectNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
