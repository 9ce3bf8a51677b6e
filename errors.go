package replisync

import (
	"errors"

	"replisync/replidoc"
)

// Sentinel errors returned across the public API (spec.md §7).
var (
	// ErrClosed is returned by Replicate when the given Collection is
	// already destroyed: starting a replication against it would spend a
	// goroutine and a cycle doing nothing useful.
	ErrClosed = errors.New("replisync: collection is destroyed")

	// ErrStopped is returned by State.AwaitInitialReplication when the
	// replication stops before its initial replication completes.
	ErrStopped = errors.New("replisync: replication is stopped")

	// ErrNoDirectionConfigured is returned by Replicate when neither Pull
	// nor Push is set: a replication that moves data in no direction is a
	// caller mistake, not a valid configuration.
	ErrNoDirectionConfigured = errors.New("replisync: neither pull nor push is configured")

	// ErrMissingReplicationIdentifier is returned by Replicate when
	// ReplicationIdentifier is empty: every checkpoint is namespaced by
	// it, so an empty identity would silently share state with every
	// other unnamed replication on the same collection.
	ErrMissingReplicationIdentifier = errors.New("replisync: replication identifier is required")

	// ErrMissingCollectionName is returned by Replicate when CollectionName
	// is empty.
	ErrMissingCollectionName = errors.New("replisync: collection name is required")

	// ErrMissingCollection is returned by Replicate when Collection is nil.
	ErrMissingCollection = errors.New("replisync: collection is required")

	// ErrShouldNotHappen is the sentinel SNHError.Is/Unwrap resolve to: an
	// internal invariant was violated, indicating a bug in replisync
	// itself rather than caller misuse of the public API. Defined in
	// replidoc so package cycle can raise it too (spec.md §7's "pull cycle
	// invoked without pull configured" case, wired in cycle.Runner.runPull).
	ErrShouldNotHappen = replidoc.ErrShouldNotHappen
)

// SNHError ("should not happen" error) wraps ErrShouldNotHappen with the
// detail of which invariant was violated. Mirrors nodestorage/v2's
// VersionError: a typed error carrying structured detail, reachable via
// errors.Is against a plain sentinel.
type SNHError = replidoc.SNHError
