package filecollection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replisync"
)

type item struct {
	ID   string
	Name string
}

func (i item) PrimaryKey() string { return i.ID }

func TestOpenSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.json")

	c, err := Open[item](path)
	require.NoError(t, err)
	c.Put(item{ID: "a", Name: "alice"}, "1-local", false)
	require.NoError(t, c.Save())

	reopened, err := Open[item](path)
	require.NoError(t, err)
	found, err := reopened.FindDocumentsByID(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	require.Contains(t, found, "a")
	assert.Equal(t, "alice", found["a"].Doc.Name)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	c, err := Open[item](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, c.Documents())
}

func TestChangesOrderedAfterSequence(t *testing.T) {
	c, err := Open[item]("")
	require.NoError(t, err)

	c.Put(item{ID: "a", Name: "1"}, "1-local", false)
	c.Put(item{ID: "b", Name: "2"}, "1-local", false)
	c.Put(item{ID: "c", Name: "3"}, "1-local", false)

	batch, err := c.Changes(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "b", batch.Events[0].Doc.PrimaryKey())
	assert.Equal(t, "c", batch.Events[1].Doc.PrimaryKey())
	assert.Equal(t, int64(3), batch.LastSequence)
}

func TestSubscribeReceivesLocalWrites(t *testing.T) {
	c, err := Open[item]("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Subscribe(ctx)
	require.NoError(t, err)

	c.Put(item{ID: "a", Name: "alice"}, "1-local", false)

	select {
	case event := <-events:
		assert.Equal(t, "a", event.Doc.PrimaryKey())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestBulkAddRevisionsAndDestroy(t *testing.T) {
	c, err := Open[item]("")
	require.NoError(t, err)

	err = c.BulkAddRevisions(context.Background(), []replisync.LocalStoredDoc[item]{
		{Doc: item{ID: "a", Name: "alice"}, Rev: "1-pulled"},
	})
	require.NoError(t, err)

	found, err := c.FindDocumentsByID(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Equal(t, "1-pulled", found["a"].Rev)

	assert.False(t, c.Destroyed())
	c.Destroy()
	assert.True(t, c.Destroyed())
	c.Destroy() // idempotent
}

func TestLockedRunRunsUnderLock(t *testing.T) {
	c, err := Open[item]("")
	require.NoError(t, err)

	var ran bool
	err = c.LockedRun(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLockedRunCanCallBulkAddRevisions(t *testing.T) {
	c, err := Open[item]("")
	require.NoError(t, err)

	// This is exactly the pull-apply path (adapters.go's
	// collectionWriter.ApplyPulledDocuments): LockedRun's own callback
	// calls back into BulkAddRevisions. It must not deadlock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := c.LockedRun(context.Background(), func(ctx context.Context) error {
			return c.BulkAddRevisions(ctx, []replisync.LocalStoredDoc[item]{
				{Doc: item{ID: "a", Name: "alice"}, Rev: "1-pulled"},
			})
		})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockedRun calling BulkAddRevisions deadlocked")
	}

	found, err := c.FindDocumentsByID(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Equal(t, "1-pulled", found["a"].Rev)
}

func TestDatabaseIsSingleInstance(t *testing.T) {
	c, err := Open[item]("")
	require.NoError(t, err)

	db := c.Database()
	assert.False(t, db.MultiInstance())
	require.NoError(t, db.WaitForLeadership(context.Background()))
}
