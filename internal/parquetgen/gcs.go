package parquetgen

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore is an ObjectStore backed by a Google Cloud Storage bucket,
// matching the bucket layout the archiver already writes to:
// {prefix}/{feed}/{stream}/{date}/....
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps an already-authenticated storage.Client for bucket.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (g *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parquetgen: list %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (g *GCSStore) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("parquetgen: open %s: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquetgen: read %s: %w", path, err)
	}
	return data, nil
}

func (g *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.client.Bucket(g.bucket).Object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("parquetgen: stat %s: %w", path, err)
	}
	return true, nil
}

func (g *GCSStore) Put(ctx context.Context, path string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("parquetgen: write %s: %w", path, err)
	}
	return w.Close()
}
