// Package changes implements the Change Collector component (spec.md
// §4.3): given a replication identity and a batch size, it returns the
// next batch of locally-changed documents that did not themselves
// originate from this identity's pull cycle.
//
// Grounded on eventsync's MongoEventStore (event_store.go), which reads an
// append-only, monotonically-sequenced feed and supports "give me
// everything after sequence N" queries (GetEvents) - the same shape the
// spec's change feed needs, generalized here to any collaborator-supplied
// feed rather than one hardwired to a Mongo collection.
package changes

import (
	"context"
	"fmt"

	"replisync/replidoc"
	"replisync/revision"
)

// Event is one raw entry from a collection's change feed: a document at a
// point in time, and the monotonic sequence number it was observed at.
type Event[T replidoc.Document] struct {
	Sequence int64
	Doc      replidoc.LocalStoredDoc[T]
}

// Feed is the collaborator contract the Change Collector reads from. It is
// deliberately narrow and engine-agnostic (spec.md §9): any storage with
// per-document monotonic sequence numbers can implement it.
type Feed[T replidoc.Document] interface {
	// ChangesSince returns up to limit feed entries strictly after
	// afterSequence, ordered by ascending sequence. An empty result means
	// the feed has nothing more right now.
	ChangesSince(ctx context.Context, afterSequence int64, limit int) ([]Event[T], error)
}

// Row is one document selected for the next push batch, paired with the
// feed sequence it was observed at (spec.md's PushChangeRow).
type Row[T replidoc.Document] struct {
	Doc      replidoc.LocalStoredDoc[T]
	Sequence int64
}

// Result is the Change Collector's output: the batch to push, and the
// sequence the caller should persist as the new push cursor once the push
// succeeds.
type Result[T replidoc.Document] struct {
	ChangedDocs  map[string]Row[T]
	LastSequence int64
}

// scanChunk bounds how many raw feed entries are requested from the
// collaborator per round-trip while hunting for batchSize distinct,
// non-pull-tagged ids. Generous relative to typical batch sizes so a feed
// dense with pull-echoes still converges in a small number of round trips.
const scanChunk = 256

// Collector implements GetChangesSinceLastPushSequence for one document
// type T; the replication identity is passed on each call.
type Collector[T replidoc.Document] struct {
	tagger revision.Tagger[T]
}

// NewCollector returns a Collector with a revision tagger for T.
func NewCollector[T replidoc.Document]() *Collector[T] {
	return &Collector[T]{tagger: revision.NewTagger[T]()}
}

// GetChangesSinceLastPushSequence implements spec.md §4.3's contract: read
// the feed starting immediately after lastPushSequence, accumulate up to
// batchSize distinct document ids (latest change per id wins), filter out
// any change whose current revision was produced by this identity's pull,
// and report the highest sequence inspected so the cursor advances past
// filtered entries even when nothing is retained.
func (c *Collector[T]) GetChangesSinceLastPushSequence(
	ctx context.Context,
	feed Feed[T],
	identity string,
	lastPushSequence int64,
	batchSize int,
) (Result[T], error) {
	result := Result[T]{
		ChangedDocs:  make(map[string]Row[T]),
		LastSequence: lastPushSequence,
	}

	cursor := lastPushSequence
	for len(result.ChangedDocs) < batchSize {
		entries, err := feed.ChangesSince(ctx, cursor, scanChunk)
		if err != nil {
			return Result[T]{}, fmt.Errorf("read change feed: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			cursor = entry.Sequence
			result.LastSequence = entry.Sequence

			wireDoc := entry.Doc.ToWithDeleted()
			if c.tagger.WasFromPullReplication(identity, wireDoc, entry.Doc.Rev) {
				continue
			}

			result.ChangedDocs[entry.Doc.PrimaryKey()] = Row[T]{
				Doc:      entry.Doc,
				Sequence: entry.Sequence,
			}

			if len(result.ChangedDocs) >= batchSize {
				break
			}
		}
	}

	return result, nil
}
