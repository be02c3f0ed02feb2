package repositories

import (
	"context"
	"time"
)

// IdempotencyStore caches responses for replayed Idempotency-Key requests
type IdempotencyStore interface {
	// Get returns the cached body and true when the key has been seen
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
