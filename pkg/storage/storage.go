// Package storage lists, reads and writes archive objects in a bucket.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrNotExist is returned by Open for a missing object.
var ErrNotExist = errors.New("object does not exist")

// Object describes one stored object.
type Object struct {
	Name    string
	Created time.Time
	Size    int64
}

// BlobStore is the narrow view of object storage the controller needs.
type BlobStore interface {
	// List returns every object whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Open returns a reader for the named object.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Write stores the contents of r under name, replacing any
	// existing object.
	Write(ctx context.Context, name string, r io.Reader) error
	// URI returns a location for name that a build Job can fetch from.
	URI(name string) string
}

const fileScheme = "file://"

// Open returns the BlobStore for location. A "file://" location selects
// a local directory; anything else names a Google Cloud Storage bucket.
func Open(ctx context.Context, location string) (BlobStore, error) {
	if dir, ok := strings.CutPrefix(location, fileScheme); ok {
		return NewDir(dir)
	}
	return NewGCS(ctx, location)
}
