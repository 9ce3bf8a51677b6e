package cycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replisync/cache"
	"replisync/changes"
	"replisync/checkpoint"
	"replisync/replidoc"
)

type testDoc struct {
	ID   string
	Name string
}

func (d testDoc) PrimaryKey() string { return d.ID }

// fakeFeed is a hand-written in-memory change feed.
type fakeFeed struct {
	mu      sync.Mutex
	entries []changes.Event[testDoc]
}

func (f *fakeFeed) add(seq int64, id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, changes.Event[testDoc]{
		Sequence: seq,
		Doc:      replidoc.LocalStoredDoc[testDoc]{Doc: testDoc{ID: id, Name: name}, Rev: "1-local"},
	})
}

func (f *fakeFeed) ChangesSince(ctx context.Context, afterSequence int64, limit int) ([]changes.Event[testDoc], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []changes.Event[testDoc]
	for _, e := range f.entries {
		if e.Sequence <= afterSequence {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeLocalWriter records every batch applied to it.
type fakeLocalWriter struct {
	mu      sync.Mutex
	heights map[string]int64
	applied []replidoc.LocalStoredDoc[testDoc]
}

func newFakeLocalWriter() *fakeLocalWriter {
	return &fakeLocalWriter{heights: make(map[string]int64)}
}

func (w *fakeLocalWriter) ExistingRevisionHeight(ctx context.Context, id string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heights[id], nil
}

func (w *fakeLocalWriter) ApplyPulledDocuments(ctx context.Context, docs []replidoc.LocalStoredDoc[testDoc]) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range docs {
		w.heights[d.PrimaryKey()] = replidoc.RevHeight(d.Rev)
		w.applied = append(w.applied, d)
	}
	return nil
}

func newTestCheckpointStore(t *testing.T) checkpoint.Store[testDoc] {
	t.Helper()
	backend := cache.NewMemoryCache[checkpoint.Checkpoint[testDoc]](cache.DefaultOptions())
	t.Cleanup(func() { backend.Close() })
	return checkpoint.NewCacheStore[testDoc](backend)
}

func TestRunPullAppliesAndAdvancesCheckpoint(t *testing.T) {
	store := newTestCheckpointStore(t)
	writer := newFakeLocalWriter()

	pages := [][]replidoc.WithDeleted[testDoc]{
		{{Doc: testDoc{ID: "a", Name: "alice"}}},
		{},
	}
	var call int
	pull := func(ctx context.Context, last *replidoc.WithDeleted[testDoc], batchSize int) (PullResult[testDoc], error) {
		page := pages[call]
		call++
		return PullResult[testDoc]{Documents: page, HasMoreChanges: false}, nil
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = &fakeFeed{}
	opts.LocalWriter = writer
	opts.PullHandler = pull

	r := NewRunner(opts)
	require.NoError(t, r.Run(context.Background(), false))

	assert.Len(t, writer.applied, 1)
	assert.Equal(t, "a", writer.applied[0].PrimaryKey())

	last, err := store.GetLastPullDocument(context.Background(), "people", "client-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "a", last.PrimaryKey())
}

func TestRunPullDrainsMultiplePages(t *testing.T) {
	store := newTestCheckpointStore(t)
	writer := newFakeLocalWriter()

	calls := 0
	pull := func(ctx context.Context, last *replidoc.WithDeleted[testDoc], batchSize int) (PullResult[testDoc], error) {
		calls++
		if calls == 1 {
			return PullResult[testDoc]{
				Documents:      []replidoc.WithDeleted[testDoc]{{Doc: testDoc{ID: "a"}}},
				HasMoreChanges: true,
			}, nil
		}
		return PullResult[testDoc]{
			Documents:      []replidoc.WithDeleted[testDoc]{{Doc: testDoc{ID: "b"}}},
			HasMoreChanges: false,
		}, nil
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = &fakeFeed{}
	opts.LocalWriter = writer
	opts.PullHandler = pull

	r := NewRunner(opts)
	require.NoError(t, r.Run(context.Background(), false))

	assert.Equal(t, 2, calls)
	assert.Len(t, writer.applied, 2)
}

func TestRunPushSendsChangesAndAdvancesCheckpoint(t *testing.T) {
	store := newTestCheckpointStore(t)
	feed := &fakeFeed{}
	feed.add(1, "a", "alice")
	feed.add(2, "b", "bob")

	var pushed []PushRow[testDoc]
	push := func(ctx context.Context, rows []PushRow[testDoc]) ([]replidoc.WithDeleted[testDoc], error) {
		pushed = append(pushed, rows...)
		return nil, nil
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = feed
	opts.PushHandler = push

	r := NewRunner(opts)
	require.NoError(t, r.Run(context.Background(), false))

	assert.Len(t, pushed, 2)

	seq, err := store.GetLastPushSequence(context.Background(), "people", "client-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
}

func TestRunPushAppliesConflictsLocally(t *testing.T) {
	store := newTestCheckpointStore(t)
	writer := newFakeLocalWriter()
	feed := &fakeFeed{}
	feed.add(1, "a", "alice")

	push := func(ctx context.Context, rows []PushRow[testDoc]) ([]replidoc.WithDeleted[testDoc], error) {
		return []replidoc.WithDeleted[testDoc]{{Doc: testDoc{ID: "a", Name: "alice-server-wins"}}}, nil
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = feed
	opts.LocalWriter = writer
	opts.PushHandler = push

	r := NewRunner(opts)
	require.NoError(t, r.Run(context.Background(), false))

	require.Len(t, writer.applied, 1)
	assert.Equal(t, "alice-server-wins", writer.applied[0].Doc.Name)
}

func TestRunRetriesOnHandlerFailure(t *testing.T) {
	store := newTestCheckpointStore(t)
	feed := &fakeFeed{}
	feed.add(1, "a", "alice")

	var attempts int32
	push := func(ctx context.Context, rows []PushRow[testDoc]) ([]replidoc.WithDeleted[testDoc], error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("remote unavailable")
		}
		return nil, nil
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = feed
	opts.PushHandler = push
	opts.RetryTime = time.Millisecond

	r := NewRunner(opts)

	var errCount int32
	errs, unsubscribe := r.Errors()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		for range errs {
			atomic.AddInt32(&errCount, 1)
		}
		close(done)
	}()

	require.NoError(t, r.Run(context.Background(), true))
	r.Close()
	<-done

	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.EqualValues(t, 2, atomic.LoadInt32(&errCount))
}

func TestRunWithoutRetryReturnsHandlerError(t *testing.T) {
	store := newTestCheckpointStore(t)
	feed := &fakeFeed{}
	feed.add(1, "a", "alice")

	push := func(ctx context.Context, rows []PushRow[testDoc]) ([]replidoc.WithDeleted[testDoc], error) {
		return nil, errors.New("remote unavailable")
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = feed
	opts.PushHandler = push

	r := NewRunner(opts)
	err := r.Run(context.Background(), false)
	require.Error(t, err)
}

func TestRunSetsInitialReplicationComplete(t *testing.T) {
	store := newTestCheckpointStore(t)
	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = &fakeFeed{}
	opts.PullHandler = func(ctx context.Context, last *replidoc.WithDeleted[testDoc], batchSize int) (PullResult[testDoc], error) {
		return PullResult[testDoc]{}, nil
	}

	r := NewRunner(opts)
	ch, unsubscribe := r.InitialReplicationComplete()
	defer unsubscribe()
	assert.False(t, <-ch)

	require.NoError(t, r.Run(context.Background(), false))
	assert.True(t, r.initialReplicationComplete.Value())
}

func TestCoalescesConcurrentRunCalls(t *testing.T) {
	store := newTestCheckpointStore(t)
	feed := &fakeFeed{}

	var running int32
	var maxConcurrent int32
	var calls int32

	pull := func(ctx context.Context, last *replidoc.WithDeleted[testDoc], batchSize int) (PullResult[testDoc], error) {
		atomic.AddInt32(&calls, 1)
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return PullResult[testDoc]{}, nil
	}

	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = feed
	opts.PullHandler = pull

	r := NewRunner(opts)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(context.Background(), false)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}

func TestCancelMarksRunnerCanceled(t *testing.T) {
	store := newTestCheckpointStore(t)
	opts := DefaultOptions[testDoc]()
	opts.CollectionName = "people"
	opts.Identity = "client-1"
	opts.CheckpointStore = store
	opts.ChangeFeed = &fakeFeed{}
	opts.PullHandler = func(ctx context.Context, last *replidoc.WithDeleted[testDoc], batchSize int) (PullResult[testDoc], error) {
		return PullResult[testDoc]{}, nil
	}

	r := NewRunner(opts)
	r.Cancel()
	assert.True(t, r.IsCanceled())

	canceledCh, unsubscribe := r.Canceled()
	defer unsubscribe()
	assert.True(t, <-canceledCh)
}
