// Package replisync implements the Replication Controller component
// (spec.md §4.5): the public entry point that wires a local collection to a
// remote via a pull handler, a push handler, or both, and runs the
// Checkpoint Store, Revision Tagger, Change Collector, and Cycle Runner
// components (packages checkpoint, revision, changes, cycle) on its
// behalf.
package replisync

import (
	"context"

	"replisync/replidoc"
)

// Document is the constraint every replicated type must satisfy: a stable
// string primary key.
type Document = replidoc.Document

// WithDeleted is the wire shape exchanged with the remote: a document plus
// its soft-delete flag.
type WithDeleted[T Document] = replidoc.WithDeleted[T]

// LocalStoredDoc is the shape a document takes once stored locally with
// replication metadata attached.
//
// Attachments are intentionally omitted: this engine has no attachment
// subsystem (spec.md §1 scopes that to the local-documents/storage layer,
// not replication).
type LocalStoredDoc[T Document] = replidoc.LocalStoredDoc[T]

// ChangeEvent is one entry from a collection's change feed.
type ChangeEvent[T Document] struct {
	Sequence int64
	Doc      LocalStoredDoc[T]
}

// ChangeBatch is the result of reading a collection's change feed: the
// observed entries and the highest sequence among them.
type ChangeBatch[T Document] struct {
	Events       []ChangeEvent[T]
	LastSequence int64
}

// PullResult is what a PullHandler returns: the next page of documents
// from the remote plus whether more are available beyond it.
type PullResult[T Document] struct {
	Documents        []WithDeleted[T]
	HasMoreDocuments bool
}

// PullHandler fetches the next page of remote changes after lastPulled
// (nil on the very first call for this identity).
type PullHandler[T Document] func(ctx context.Context, lastPulled *WithDeleted[T]) (PullResult[T], error)

// PushHandler sends a batch of locally-changed documents to the remote.
type PushHandler[T Document] func(ctx context.Context, docs []WithDeleted[T]) error
