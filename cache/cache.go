// Package cache provides the pluggable key/value backend used by
// replisync's checkpoint store. It is adapted from nodestorage/v2's cache
// package: the same generic Cache[T] interface and the same three
// backends (in-memory, BadgerDB, Redis), retargeted at string keys so a
// single implementation can back any keyed-by-identity document, not just
// MongoDB ObjectIDs.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache errors are returned consistently across every backend.
var (
	// ErrCacheMiss is returned when a key is not present (or has expired).
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheClosed is returned when operating on a closed cache.
	ErrCacheClosed = errors.New("cache is closed")

	// ErrInvalidKey is returned when an empty key is given to a cache
	// operation.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Cache is the interface for caching values of type T, keyed by string.
//
// Get/Set/Delete/Clear/Close mirror nodestorage/v2/cache.Cache[T]; the key
// type was promoted from primitive.ObjectID to string since replisync
// checkpoints are keyed by a caller-supplied replication identity string,
// not a Mongo document ID.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Options configures a Cache backend.
type Options struct {
	// DefaultTTL is used when Set is called with ttl <= 0. Zero means
	// items never expire.
	DefaultTTL time.Duration

	// MaxItems bounds MemoryCache size. Zero means unbounded.
	MaxItems int
}

// DefaultOptions returns the default cache options: no expiration, no size
// limit. Checkpoints are small and long-lived, so unbounded-by-default is
// the right call for this use (unlike a general document cache).
func DefaultOptions() *Options {
	return &Options{
		DefaultTTL: 0,
		MaxItems:   0,
	}
}
