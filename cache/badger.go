package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
)

// BadgerCache implements Cache on top of an embedded BadgerDB, giving
// checkpoints durability across restarts without an external dependency.
type BadgerCache[T any] struct {
	db      *badger.DB
	options *Options
}

// NewBadgerCache opens (creating if needed) a BadgerDB at dbPath.
func NewBadgerCache[T any](dbPath string, options *Options) (*BadgerCache[T], error) {
	if options == nil {
		options = DefaultOptions()
	}

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	go runBadgerGC(db)

	return &BadgerCache[T]{db: db, options: options}, nil
}

func (c *BadgerCache[T]) Get(ctx context.Context, key string) (T, error) {
	var result T
	if key == "" {
		return result, ErrInvalidKey
	}

	var envelope struct {
		Value T `bson:"value"`
	}
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return bson.Unmarshal(val, &envelope)
		})
	})

	if err != nil {
		if err == badger.ErrKeyNotFound {
			return result, ErrCacheMiss
		}
		return result, fmt.Errorf("get from badger: %w", err)
	}

	return envelope.Value, nil
}

func (c *BadgerCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	// bson.Marshal only accepts document-shaped values, so the value is
	// wrapped in a one-field document; T may be a plain string or number.
	data, err := bson.Marshal(struct {
		Value T `bson:"value"`
	}{Value: value})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (c *BadgerCache[T]) Delete(ctx context.Context, key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (c *BadgerCache[T]) Clear(ctx context.Context) error {
	return c.db.DropAll()
}

func (c *BadgerCache[T]) Close() error {
	return c.db.Close()
}

// runBadgerGC periodically reclaims space from deleted/expired entries.
func runBadgerGC(db *badger.DB) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
	again:
		err := db.RunValueLogGC(0.5)
		if err == nil {
			goto again
		}
	}
}
