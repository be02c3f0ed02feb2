package repositories

import "context"

// BlobStore is the durable object store for chunks, snapshots and results
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns entities.ErrObjectNotFound when the key does not exist
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
