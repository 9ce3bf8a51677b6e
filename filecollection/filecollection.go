// Package filecollection is a small, single-process reference
// implementation of replisync.Collection, backed by a JSON file on disk.
// It exists for cmd/replisync-cli and for anyone wiring up replisync
// against a toy local store before reaching for a real one: a generic
// in-memory document map, a monotonic change log, and a broadcast channel
// for Subscribe, persisted to disk on Save.
//
// It is not meant to replace a real local-documents/storage layer (spec.md
// §1 treats that as an external collaborator) - no indexing, no query
// support, a single process-wide mutex standing in for the storage
// instance's write lock.
package filecollection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"replisync"
)

// Collection is a JSON-file-backed replisync.Collection[T].
type Collection[T replisync.Document] struct {
	// mu guards the fields below. runMu is the separate "database write
	// lock" LockedRun stands in for: callers run arbitrary code under it,
	// including further Collection methods (BulkAddRevisions during a
	// pull apply) that themselves take mu. Using one mutex for both would
	// self-deadlock the moment a LockedRun callback touched the data it
	// protects.
	runMu sync.Mutex
	mu    sync.Mutex
	path  string

	docs      map[string]replisync.LocalStoredDoc[T]
	changeLog []replisync.ChangeEvent[T]
	seq       int64

	subs    map[int]chan replisync.ChangeEvent[T]
	nextSub int

	destroyed chan struct{}
}

// Open loads a Collection from path, which may not yet exist (an empty
// Collection is returned in that case). Pass an empty path for a purely
// in-memory Collection.
func Open[T replisync.Document](path string) (*Collection[T], error) {
	c := &Collection[T]{
		path:      path,
		docs:      make(map[string]replisync.LocalStoredDoc[T]),
		subs:      make(map[int]chan replisync.ChangeEvent[T]),
		destroyed: make(chan struct{}),
	}

	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local collection %q: %w", path, err)
	}
	if len(data) == 0 {
		return c, nil
	}

	var docs []replisync.LocalStoredDoc[T]
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse local collection %q: %w", path, err)
	}
	for _, doc := range docs {
		c.seq++
		c.docs[doc.PrimaryKey()] = doc
		c.changeLog = append(c.changeLog, replisync.ChangeEvent[T]{Sequence: c.seq, Doc: doc})
	}
	return c, nil
}

// Save persists the current document set to the backing file. A no-op for
// an in-memory Collection (empty path).
func (c *Collection[T]) Save() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	docs := make([]replisync.LocalStoredDoc[T], 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, doc)
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal local collection: %w", err)
	}
	return os.WriteFile(c.path, data, 0o644)
}

// Documents returns a snapshot of every non-deleted document currently
// stored, for callers (like the CLI) that want to print results.
func (c *Collection[T]) Documents() []replisync.LocalStoredDoc[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]replisync.LocalStoredDoc[T], 0, len(c.docs))
	for _, doc := range c.docs {
		if doc.Deleted {
			continue
		}
		out = append(out, doc)
	}
	return out
}

// Put records a local write, as if the application had just saved doc
// through whatever write path this Collection's storage instance exposes
// - bumping the change log so a live push wakes up. rev should not be a
// pull-tagged revision, or the write will look like a pull echo.
func (c *Collection[T]) Put(doc T, rev string, deleted bool) {
	c.mu.Lock()
	c.seq++
	stored := replisync.LocalStoredDoc[T]{Doc: doc, Rev: rev, Deleted: deleted}
	c.docs[stored.PrimaryKey()] = stored
	event := replisync.ChangeEvent[T]{Sequence: c.seq, Doc: stored}
	c.changeLog = append(c.changeLog, event)
	subs := make([]chan replisync.ChangeEvent[T], 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// PrimaryPath reports the field replisync.Document.PrimaryKey() is
// conceptually drawn from. filecollection does not do field-level
// introspection, so this is informational only.
func (c *Collection[T]) PrimaryPath() string { return "id" }

// Validate is a no-op: filecollection carries no schema of its own.
func (c *Collection[T]) Validate(ctx context.Context, doc T) error { return nil }

// FindDocumentsByID returns the stored documents for the ids that exist.
func (c *Collection[T]) FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) (map[string]replisync.LocalStoredDoc[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]replisync.LocalStoredDoc[T])
	for _, id := range ids {
		doc, ok := c.docs[id]
		if !ok {
			continue
		}
		if doc.Deleted && !includeDeleted {
			continue
		}
		out[id] = doc
	}
	return out, nil
}

// BulkAddRevisions writes docs into the map and appends one change-log
// entry per document, waking any push subscriber.
func (c *Collection[T]) BulkAddRevisions(ctx context.Context, docs []replisync.LocalStoredDoc[T]) error {
	c.mu.Lock()
	events := make([]replisync.ChangeEvent[T], 0, len(docs))
	for _, doc := range docs {
		c.seq++
		c.docs[doc.PrimaryKey()] = doc
		event := replisync.ChangeEvent[T]{Sequence: c.seq, Doc: doc}
		c.changeLog = append(c.changeLog, event)
		events = append(events, event)
	}
	subs := make([]chan replisync.ChangeEvent[T], 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, event := range events {
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

// Changes returns change-log entries strictly after afterSequence.
func (c *Collection[T]) Changes(ctx context.Context, afterSequence int64, limit int) (replisync.ChangeBatch[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var batch replisync.ChangeBatch[T]
	for _, event := range c.changeLog {
		if event.Sequence <= afterSequence {
			continue
		}
		batch.Events = append(batch.Events, event)
		batch.LastSequence = event.Sequence
		if limit > 0 && len(batch.Events) >= limit {
			break
		}
	}
	return batch, nil
}

// Subscribe returns a channel fed by every local write (Put or
// BulkAddRevisions), closed when ctx is done or the Collection is
// destroyed.
func (c *Collection[T]) Subscribe(ctx context.Context) (<-chan replisync.ChangeEvent[T], error) {
	c.mu.Lock()
	ch := make(chan replisync.ChangeEvent[T], 16)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.destroyed:
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// LockedRun runs fn while holding the Collection's database-wide write
// lock, mutually excluding it against any other LockedRun caller - but not
// against Collection's own data mutex, so fn is free to call
// BulkAddRevisions (as the pull apply path does) without deadlocking.
func (c *Collection[T]) LockedRun(ctx context.Context, fn func(ctx context.Context) error) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return fn(ctx)
}

// RequestIdle is a no-op: filecollection has no background work to defer.
func (c *Collection[T]) RequestIdle(ctx context.Context) error { return nil }

// Database returns a trivial single-instance Database: filecollection
// never shares its backing file across processes, so leadership election
// is meaningless.
func (c *Collection[T]) Database() replisync.Database { return singleInstanceDatabase{} }

// OnDestroy returns a channel that closes when Destroy is called.
func (c *Collection[T]) OnDestroy() <-chan struct{} { return c.destroyed }

// Destroyed reports whether Destroy has been called.
func (c *Collection[T]) Destroyed() bool {
	select {
	case <-c.destroyed:
		return true
	default:
		return false
	}
}

// Destroy closes the Collection, unblocking every OnDestroy waiter and
// Subscribe channel.
func (c *Collection[T]) Destroy() {
	c.mu.Lock()
	select {
	case <-c.destroyed:
		c.mu.Unlock()
		return
	default:
	}
	close(c.destroyed)
	c.mu.Unlock()
}

type singleInstanceDatabase struct{}

func (singleInstanceDatabase) WaitForLeadership(ctx context.Context) error { return nil }
func (singleInstanceDatabase) MultiInstance() bool                        { return false }
