package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engwewatch/internal/config"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "engwe.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	want := sampleSnapshot(t)
	require.NoError(t, store.Commit(ctx, want))
	require.NoError(t, store.Commit(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteStoreCorruptRowIsFirstRun(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Commit(ctx, sampleSnapshot(t)))

	_, err := store.db.ExecContext(ctx, `UPDATE baseline_products SET price = 'abc' WHERE handle = 'ep-2-pro'`)
	require.NoError(t, err)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSQLiteStoreHistory(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	entries := historyEntries(4)
	require.NoError(t, store.AppendHistory(ctx, entries))

	got, err := store.RecentHistory(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, entries[3].Message, got[0].Message)
	assert.True(t, got[0].Timestamp.Equal(entries[3].Timestamp))
	assert.Equal(t, entries[3].Category, got[0].Category)
	assert.Equal(t, "scan-1", got[0].ScanID)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fileStore, err := Open(ctx, config.StorageConfig{Driver: "file", Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, fileStore)
	require.NoError(t, fileStore.Close())

	sqliteStore, err := Open(ctx, config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "x.db")}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, sqliteStore)
	require.NoError(t, sqliteStore.Close())

	_, err = Open(ctx, config.StorageConfig{Driver: "mongo"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = Open(ctx, config.StorageConfig{Driver: "postgres"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewestFirstLimit(t *testing.T) {
	entries := historyEntries(3)
	got := newestFirst(entries, 10)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.After(got[2].Timestamp))
	assert.Empty(t, newestFirst(nil, 0))
}
