package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"replisync"
)

// remoteEntry is one append-only log entry in the simulated remote: the
// wire-format document plus nothing else, since a real remote's own
// ordering (not a local sequence number) is what pull pagination walks.
type remoteEntry struct {
	Doc     Record `json:"doc"`
	Deleted bool   `json:"deleted"`
}

// fileRemote is a JSON-file-backed stand-in for the opaque remote endpoint
// spec.md §1 treats as external: an append-only log that a push handler
// writes to and a pull handler replays from, resuming after whichever
// document it was last handed back as lastPullDocument.
type fileRemote struct {
	mu   sync.Mutex
	path string
	log  []remoteEntry
}

func openFileRemote(path string) (*fileRemote, error) {
	r := &fileRemote{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read remote store %q: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r.log); err != nil {
		return nil, fmt.Errorf("parse remote store %q: %w", path, err)
	}
	return r, nil
}

func (r *fileRemote) save() error {
	data, err := json.MarshalIndent(r.log, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal remote store: %w", err)
	}
	return os.WriteFile(r.path, data, 0o644)
}

// push implements replisync.PushHandler: every pushed document is
// appended to the remote log, last-write-wins on replay (a later entry
// for the same id shadows an earlier one for anyone pulling from scratch).
func (r *fileRemote) push(ctx context.Context, docs []replisync.WithDeleted[Record]) error {
	r.mu.Lock()
	for _, doc := range docs {
		r.log = append(r.log, remoteEntry{Doc: doc.Doc, Deleted: doc.Deleted})
	}
	err := r.save()
	r.mu.Unlock()
	return err
}

// pull implements replisync.PullHandler: resume just after the last log
// entry equal to lastPulled (same document content and deleted flag), or
// from the start on the very first call or when no entry matches.
func (r *fileRemote) pull(batchSize int) replisync.PullHandler[Record] {
	return func(ctx context.Context, lastPulled *replisync.WithDeleted[Record]) (replisync.PullResult[Record], error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		start := 0
		if lastPulled != nil {
			// Match the exact logged entry, not merely its id: the same
			// id can appear more than once in the log across updates, and
			// resuming must continue strictly after the specific revision
			// this caller was last handed, not after whichever copy of
			// that id happens to be newest right now.
			for i := len(r.log) - 1; i >= 0; i-- {
				if r.log[i] == (remoteEntry{Doc: lastPulled.Doc, Deleted: lastPulled.Deleted}) {
					start = i + 1
					break
				}
			}
		}

		end := start + batchSize
		hasMore := end < len(r.log)
		if !hasMore {
			end = len(r.log)
		}

		page := r.log[start:end]
		docs := make([]replisync.WithDeleted[Record], len(page))
		for i, entry := range page {
			docs[i] = replisync.WithDeleted[Record]{Doc: entry.Doc, Deleted: entry.Deleted}
		}
		return replisync.PullResult[Record]{Documents: docs, HasMoreDocuments: hasMore}, nil
	}
}
