// Package checkpoint implements the Checkpoint Store component of the
// replication engine (spec.md §4.1): the two scalars that let a
// replication identity resume where it left off.
//
// Storage strategy mirrors eventsync's MongoStateVectorManager
// (state_vector.go): one record per (collection, replication identifier),
// upserted on every write. Here the record lives behind a
// cache.Cache[Checkpoint[T]] rather than a MongoDB collection, so the same
// Store works against the in-memory, BadgerDB, or Redis backend in package
// cache without the engine itself depending on any particular database.
package checkpoint

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"replisync/cache"
	"replisync/logx"
	"replisync/replidoc"
)

// Checkpoint is the persisted resume state for one replication identity:
// the push cursor (a sequence number into the collection's change feed)
// and the pull cursor (the last document received from the remote).
type Checkpoint[T replidoc.Document] struct {
	LastPushSequence int64                     `bson:"lastPushSequence"`
	LastPullDocument *replidoc.WithDeleted[T]  `bson:"lastPullDocument,omitempty"`
}

// Store persists checkpoints keyed by (collectionName, replicationIdentifier).
type Store[T replidoc.Document] interface {
	GetLastPushSequence(ctx context.Context, collectionName, identity string) (int64, error)
	SetLastPushSequence(ctx context.Context, collectionName, identity string, seq int64) error
	GetLastPullDocument(ctx context.Context, collectionName, identity string) (*replidoc.WithDeleted[T], error)
	SetLastPullDocument(ctx context.Context, collectionName, identity string, doc *replidoc.WithDeleted[T]) error
	Close() error
}

// CacheStore is the default Store implementation: one auxiliary record per
// identity in the backing cache.Cache, the namespace key derived from the
// identity string exactly as spec.md §4.1 describes.
type CacheStore[T replidoc.Document] struct {
	backend cache.Cache[Checkpoint[T]]
	logger  *zap.Logger
}

// Option configures a CacheStore.
type Option[T replidoc.Document] func(*CacheStore[T])

// WithLogger attaches a logger to the store. Defaults to logx.Logger.
func WithLogger[T replidoc.Document](logger *zap.Logger) Option[T] {
	return func(s *CacheStore[T]) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewCacheStore wraps a cache.Cache backend as a Store.
func NewCacheStore[T replidoc.Document](backend cache.Cache[Checkpoint[T]], opts ...Option[T]) *CacheStore[T] {
	s := &CacheStore[T]{backend: backend, logger: logx.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// docID derives the auxiliary document id for one replication identity,
// namespaced by collection so the same identifier reused across
// collections does not collide.
func docID(collectionName, identity string) string {
	return "replication-checkpoint:" + collectionName + ":" + identity
}

func (s *CacheStore[T]) load(ctx context.Context, collectionName, identity string) (Checkpoint[T], error) {
	cp, err := s.backend.Get(ctx, docID(collectionName, identity))
	if err == cache.ErrCacheMiss {
		return Checkpoint[T]{}, nil
	}
	if err != nil {
		return Checkpoint[T]{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// GetLastPushSequence returns the persisted push cursor, defaulting to 0
// when no checkpoint has been written yet.
func (s *CacheStore[T]) GetLastPushSequence(ctx context.Context, collectionName, identity string) (int64, error) {
	cp, err := s.load(ctx, collectionName, identity)
	if err != nil {
		return 0, err
	}
	return cp.LastPushSequence, nil
}

// SetLastPushSequence upserts the push cursor. The caller is responsible
// for only ever passing a non-decreasing value (spec.md §4.1); this store
// does not itself enforce monotonicity.
func (s *CacheStore[T]) SetLastPushSequence(ctx context.Context, collectionName, identity string, seq int64) error {
	cp, err := s.load(ctx, collectionName, identity)
	if err != nil {
		return err
	}
	cp.LastPushSequence = seq
	if err := s.backend.Set(ctx, docID(collectionName, identity), cp, 0); err != nil {
		return fmt.Errorf("persist push sequence: %w", err)
	}
	s.logger.Debug("push checkpoint updated",
		zap.String("collection", collectionName),
		zap.String("identity", identity),
		zap.Int64("sequence", seq))
	return nil
}

// GetLastPullDocument returns the last document received from the remote,
// or nil if no pull cycle has ever completed.
func (s *CacheStore[T]) GetLastPullDocument(ctx context.Context, collectionName, identity string) (*replidoc.WithDeleted[T], error) {
	cp, err := s.load(ctx, collectionName, identity)
	if err != nil {
		return nil, err
	}
	return cp.LastPullDocument, nil
}

// SetLastPullDocument upserts the pull resume token.
func (s *CacheStore[T]) SetLastPullDocument(ctx context.Context, collectionName, identity string, doc *replidoc.WithDeleted[T]) error {
	cp, err := s.load(ctx, collectionName, identity)
	if err != nil {
		return err
	}
	cp.LastPullDocument = doc
	if err := s.backend.Set(ctx, docID(collectionName, identity), cp, 0); err != nil {
		return fmt.Errorf("persist pull checkpoint: %w", err)
	}
	s.logger.Debug("pull checkpoint updated",
		zap.String("collection", collectionName),
		zap.String("identity", identity))
	return nil
}

// Close releases the backing cache.
func (s *CacheStore[T]) Close() error {
	return s.backend.Close()
}
