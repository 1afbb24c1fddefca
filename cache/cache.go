// Package cache is the query result cache: a small byte-oriented store
// contract with in-memory and Redis backends, msgpack value encoding,
// and a singleflight loader that collapses concurrent misses.
package cache

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache stores opaque byte values under string keys with a TTL.
type Cache interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key under the prefix, used to invalidate
	// an object's entries after a mutation.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Encode serialises a value with msgpack.
func Encode(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Decode deserialises a msgpack value into out.
func Decode(data []byte, out any) error { return msgpack.Unmarshal(data, out) }
