package replisync

import "context"

// Collection is the local-storage collaborator a replication runs against.
// Grounded on nodestorage/v2.Storage[T]'s shape (FindOne/UpdateOne/Watch)
// generalized to the operations a replication cycle actually needs:
// reading by id, bulk-writing pulled revisions, reading a monotonic change
// feed, and subscribing to live local changes.
type Collection[T Document] interface {
	// PrimaryPath returns the name of the field FindDocumentsByID /
	// BulkAddRevisions key documents by.
	PrimaryPath() string

	// Validate runs schema validation for doc. Only invoked when DevMode
	// is enabled; a collection with no validation concerns can implement
	// it as a no-op.
	Validate(ctx context.Context, doc T) error

	// FindDocumentsByID returns the locally stored documents for ids that
	// exist, keyed by primary key. includeDeleted controls whether
	// soft-deleted documents are included.
	FindDocumentsByID(ctx context.Context, ids []string, includeDeleted bool) (map[string]LocalStoredDoc[T], error)

	// BulkAddRevisions writes docs into local storage under their given
	// revisions, bypassing the collection's normal optimistic-concurrency
	// write path (these already carry a revision the Revision Tagger
	// computed).
	BulkAddRevisions(ctx context.Context, docs []LocalStoredDoc[T]) error

	// Changes returns local changes strictly after afterSequence, up to
	// limit entries, ordered by ascending sequence.
	Changes(ctx context.Context, afterSequence int64, limit int) (ChangeBatch[T], error)

	// Subscribe returns a channel that receives a value whenever the
	// collection changes locally, for driving live push without polling.
	// The channel closes when ctx is done.
	Subscribe(ctx context.Context) (<-chan ChangeEvent[T], error)

	// LockedRun executes fn while holding the collection's write lock, so
	// a pulled batch cannot interleave with a concurrent local write.
	LockedRun(ctx context.Context, fn func(ctx context.Context) error) error

	// RequestIdle is called at the start of every cycle after the initial
	// replication has completed, before that cycle's push and pull; an
	// implementation may block until the collection is idle, deferring the
	// cycle behind its own background work. A returned error is logged and
	// the cycle proceeds. A no-op implementation is valid.
	RequestIdle(ctx context.Context) error

	// Database returns the collaborator database this collection belongs
	// to.
	Database() Database

	// OnDestroy returns a channel that closes when the collection is
	// destroyed.
	OnDestroy() <-chan struct{}

	// Destroyed reports whether the collection has already been
	// destroyed.
	Destroyed() bool
}

// Database is the multi-instance coordination collaborator: it tells a
// replication whether it must wait to become the elected leader before
// starting (spec.md §4.5, "waitForLeadership").
type Database interface {
	// WaitForLeadership blocks until this process instance is elected
	// leader, or ctx is done.
	WaitForLeadership(ctx context.Context) error

	// MultiInstance reports whether more than one process instance may be
	// sharing this database, making leadership election meaningful. A
	// single-instance database can always report false and make
	// WaitForLeadership a no-op.
	MultiInstance() bool
}
