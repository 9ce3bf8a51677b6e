package replisync

import (
	"context"
	"fmt"

	"replisync/changes"
	"replisync/cycle"
	"replisync/replidoc"
)

// collectionFeed adapts a Collection's Changes method to changes.Feed, the
// narrow contract the Change Collector reads from.
type collectionFeed[T Document] struct {
	collection Collection[T]
}

func (f *collectionFeed[T]) ChangesSince(ctx context.Context, afterSequence int64, limit int) ([]changes.Event[T], error) {
	batch, err := f.collection.Changes(ctx, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	events := make([]changes.Event[T], len(batch.Events))
	for i, e := range batch.Events {
		events[i] = changes.Event[T]{Sequence: e.Sequence, Doc: e.Doc}
	}
	return events, nil
}

// collectionWriter adapts a Collection to cycle.LocalWriter: it answers
// "what revision height does this document have locally" and applies a
// pulled (or conflict-returned) batch through the collection's lock, with
// dev-mode schema validation at the write boundary.
type collectionWriter[T Document] struct {
	collection Collection[T]
}

func (w *collectionWriter[T]) ExistingRevisionHeight(ctx context.Context, id string) (int64, error) {
	found, err := w.collection.FindDocumentsByID(ctx, []string{id}, true)
	if err != nil {
		return 0, err
	}
	existing, ok := found[id]
	if !ok {
		return 0, nil
	}
	return replidoc.RevHeight(existing.Rev), nil
}

func (w *collectionWriter[T]) ApplyPulledDocuments(ctx context.Context, docs []replidoc.LocalStoredDoc[T]) error {
	if DevMode() {
		for _, doc := range docs {
			if doc.Deleted {
				continue
			}
			if err := w.collection.Validate(ctx, doc.Doc); err != nil {
				return fmt.Errorf("validate pulled document %q: %v: %w", doc.PrimaryKey(), err, cycle.ErrValidationFailed)
			}
		}
	}

	return w.collection.LockedRun(ctx, func(ctx context.Context) error {
		return w.collection.BulkAddRevisions(ctx, docs)
	})
}

var (
	_ changes.Feed[stubDoc]      = (*collectionFeed[stubDoc])(nil)
	_ cycle.LocalWriter[stubDoc] = (*collectionWriter[stubDoc])(nil)
)

// stubDoc exists only to let the compiler check the interface assertions
// above against a concrete, harmless type parameter.
type stubDoc struct{ ID string }

func (d stubDoc) PrimaryKey() string { return d.ID }
