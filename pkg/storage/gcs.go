package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS is a BlobStore backed by a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS connects to bucket using application default credentials and
// verifies that it is reachable.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("access bucket %s: %w", bucket, err)
	}

	slog.Info("Connected to storage bucket",
		"bucket", bucket,
	)
	return &GCS{client: client, bucket: bucket}, nil
}

// List implements BlobStore.
func (g *GCS) List(ctx context.Context, prefix string) ([]Object, error) {
	q := &storage.Query{Prefix: prefix}
	if err := q.SetAttrSelection([]string{"Name", "Created", "Size"}); err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var out []Object
	it := g.client.Bucket(g.bucket).Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", g.bucket, prefix, err)
		}
		out = append(out, Object{
			Name:    attrs.Name,
			Created: attrs.Created,
			Size:    attrs.Size,
		})
	}
	return out, nil
}

// Open implements BlobStore.
func (g *GCS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", g.URI(name), ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", g.URI(name), err)
	}
	return r, nil
}

// Write implements BlobStore.
func (g *GCS) Write(ctx context.Context, name string, r io.Reader) error {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", g.URI(name), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write %s: %w", g.URI(name), err)
	}
	return nil
}

// URI implements BlobStore.
func (g *GCS) URI(name string) string {
	return fmt.Sprintf("gs://%s/%s", g.bucket, name)
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
