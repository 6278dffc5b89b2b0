// Package persist provides the durable key/value tier behind the cache.
// Two backends exist: an embedded sqlite database (default) and redis.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("persist: key not found")

// Store is a flat key/value surface. Values are opaque bytes; the cache
// layer serializes its own envelopes into them.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
