package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replisync/cache"
	"replisync/replidoc"
)

type testDoc struct {
	ID   string
	Name string
}

func (d testDoc) PrimaryKey() string { return d.ID }

func newTestStore(t *testing.T) *CacheStore[testDoc] {
	t.Helper()
	backend := cache.NewMemoryCache[Checkpoint[testDoc]](cache.DefaultOptions())
	t.Cleanup(func() { backend.Close() })
	return NewCacheStore[testDoc](backend)
}

func TestPushSequenceDefaultsToZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq, err := store.GetLastPushSequence(ctx, "todos", "client-1")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestPushSequenceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastPushSequence(ctx, "todos", "client-1", 42))

	seq, err := store.GetLastPushSequence(ctx, "todos", "client-1")
	require.NoError(t, err)
	assert.EqualValues(t, 42, seq)
}

func TestPullDocumentDefaultsToNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.GetLastPullDocument(ctx, "todos", "client-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestPullDocumentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &replidoc.WithDeleted[testDoc]{Doc: testDoc{ID: "a", Name: "alice"}}
	require.NoError(t, store.SetLastPullDocument(ctx, "todos", "client-1", want))

	got, err := store.GetLastPullDocument(ctx, "todos", "client-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Doc, got.Doc)
}

func TestCheckpointsAreIsolatedByCollectionAndIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastPushSequence(ctx, "todos", "client-1", 10))
	require.NoError(t, store.SetLastPushSequence(ctx, "todos", "client-2", 20))
	require.NoError(t, store.SetLastPushSequence(ctx, "notes", "client-1", 30))

	seq1, err := store.GetLastPushSequence(ctx, "todos", "client-1")
	require.NoError(t, err)
	seq2, err := store.GetLastPushSequence(ctx, "todos", "client-2")
	require.NoError(t, err)
	seq3, err := store.GetLastPushSequence(ctx, "notes", "client-1")
	require.NoError(t, err)

	assert.EqualValues(t, 10, seq1)
	assert.EqualValues(t, 20, seq2)
	assert.EqualValues(t, 30, seq3)
}

func TestSettingPullDocumentPreservesPushSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLastPushSequence(ctx, "todos", "client-1", 7))
	require.NoError(t, store.SetLastPullDocument(ctx, "todos", "client-1", &replidoc.WithDeleted[testDoc]{
		Doc: testDoc{ID: "a"},
	}))

	seq, err := store.GetLastPushSequence(ctx, "todos", "client-1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, seq)
}
