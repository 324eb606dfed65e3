package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engwewatch/internal/catalog"
	"engwewatch/internal/monitor"
)

var captured = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot(captured, []catalog.ProductSnapshot{
		{
			Key:       "engine-pro",
			Title:     "ENGWE ENGINE Pro",
			URL:       "https://engwe-bikes.com/products/engine-pro",
			Price:     decimal.RequireFromString("1299.00"),
			Stock:     catalog.KnownStock(14),
			Available: true,
			Variants:  []string{"Grey", "Black"},
			Images:    []string{"https://cdn.example/a.jpg"},
			LastSeen:  captured,
		},
		{
			Key:       "ep-2-pro",
			Title:     "ENGWE EP-2 Pro",
			Price:     decimal.RequireFromString("999.99"),
			Stock:     catalog.UnknownStock(),
			Available: false,
			LastSeen:  captured,
		},
	})
	require.NoError(t, err)
	return snap
}

func historyEntries(n int) []monitor.HistoryEntry {
	out := make([]monitor.HistoryEntry, n)
	for i := range out {
		out[i] = monitor.HistoryEntry{
			Timestamp: captured.Add(time.Duration(i) * time.Minute),
			Category:  monitor.EntryScanComplete,
			Message:   "scan " + string(rune('a'+i)),
			ScanID:    "scan-1",
		}
	}
	return out
}

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func TestFileStoreLoadMissingBaseline(t *testing.T) {
	store, _ := newFileStore(t)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileStoreCommitThenLoad(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()
	want := sampleSnapshot(t)

	require.NoError(t, store.Commit(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFileStoreCommitReplacesBaseline(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.Commit(ctx, sampleSnapshot(t)))

	next, err := catalog.NewSnapshot(captured.Add(4*time.Hour), []catalog.ProductSnapshot{
		{Key: "e26", Title: "ENGWE E26", Price: decimal.NewFromInt(1499), Stock: catalog.KnownStock(3), Available: true, LastSeen: captured},
	})
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, next))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e26"}, got.Keys())
	assert.True(t, got.CapturedAt.Equal(captured.Add(4*time.Hour)))
}

func TestFileStoreCorruptBaselineIsFirstRun(t *testing.T) {
	cases := map[string]string{
		"truncated":     `{"version":1,"captured_at":"2025-03-01T08:00:00Z","prod`,
		"wrong version": `{"version":9,"captured_at":"2025-03-01T08:00:00Z","products":{}}`,
		"key mismatch":  `{"version":1,"captured_at":"2025-03-01T08:00:00Z","products":{"a":{"key":"b","title":"B","price":"1","stock":null,"available":true,"variants":[],"images":[],"last_seen":"2025-03-01T08:00:00Z"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store, dir := newFileStore(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, baselineFile), []byte(body), 0o644))

			snap, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, snap)
		})
	}
}

func TestDecodeBaselineMarksCorrupt(t *testing.T) {
	_, err := decodeBaseline([]byte("not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStoreHistoryNewestFirst(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	entries := historyEntries(5)

	require.NoError(t, store.AppendHistory(ctx, entries[:2]))
	require.NoError(t, store.AppendHistory(ctx, entries[2:]))

	all, err := store.RecentHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, entries[4].Message, all[0].Message)
	assert.Equal(t, entries[0].Message, all[4].Message)

	limited, err := store.RecentHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, entries[4].Message, limited[0].Message)
	assert.Equal(t, entries[3].Message, limited[1].Message)
}

func TestFileStoreHistorySkipsCorruptLines(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendHistory(ctx, historyEntries(1)))

	f, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.AppendHistory(ctx, historyEntries(2)[1:]))

	got, err := store.RecentHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFileStoreHistoryEmpty(t *testing.T) {
	store, _ := newFileStore(t)
	got, err := store.RecentHistory(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStoreClosed(t *testing.T) {
	store, _ := newFileStore(t)
	require.NoError(t, store.Close())

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.AppendHistory(context.Background(), historyEntries(1)), ErrClosed)
}
