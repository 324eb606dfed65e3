package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engwewatch/internal/alerting"
	"engwewatch/internal/catalog"
	"engwewatch/internal/config"
	"engwewatch/internal/events"
	"engwewatch/internal/fetcher"
	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/storage"
)

var scanTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturedEvents) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Type, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

type countingNotifier struct {
	mu   sync.Mutex
	msgs []alerting.Message
}

func (n *countingNotifier) Name() string { return "desktop" }

func (n *countingNotifier) Notify(ctx context.Context, msg alerting.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func product(key string, price int64, stock int) catalog.ProductSnapshot {
	return catalog.ProductSnapshot{
		Key:       key,
		Title:     "ENGWE " + key,
		Price:     decimal.NewFromInt(price),
		Stock:     catalog.KnownStock(stock),
		Available: stock > 0,
		LastSeen:  scanTime,
	}
}

func snapshotOf(t *testing.T, at time.Time, products ...catalog.ProductSnapshot) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot(at, products)
	require.NoError(t, err)
	return snap
}

type harness struct {
	svc      *Service
	store    *storage.FileStore
	notifier *countingNotifier
	events   *capturedEvents
	next     atomic.Pointer[catalog.Snapshot]
	fetchErr atomic.Pointer[error]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	h := &harness{store: store, notifier: &countingNotifier{}, events: &capturedEvents{}}
	f := fetcher.Func(func(context.Context) (*catalog.Snapshot, error) {
		if p := h.fetchErr.Load(); p != nil {
			return nil, *p
		}
		return h.next.Load(), nil
	})
	cfg := config.MonitoringConfig{
		CheckIntervalHours:         4,
		LowStockThreshold:          5,
		StockDropRatio:             0.5,
		EnableDesktopNotifications: true,
	}
	dispatcher := alerting.NewDispatcher(store, zerolog.Nop(), h.notifier)
	h.svc = New(cfg, f, store, dispatcher, h.events, zerolog.Nop())
	return h
}

func (h *harness) history(t *testing.T) []monitor.EntryKind {
	t.Helper()
	entries, err := h.store.RecentHistory(context.Background(), 0)
	require.NoError(t, err)
	kinds := make([]monitor.EntryKind, len(entries))
	for i, e := range entries {
		kinds[len(entries)-1-i] = e.Category
	}
	return kinds
}

func TestScanFirstRunCapturesBaselineWithoutAlerts(t *testing.T) {
	h := newHarness(t)
	h.next.Store(snapshotOf(t, scanTime, product("engine-pro", 1299, 10), product("ep-2", 999, 3)))

	report, err := h.svc.Scan(context.Background(), scheduler.TriggerManual)
	require.NoError(t, err)

	assert.True(t, report.Baseline)
	assert.Equal(t, 2, report.Products)
	assert.Equal(t, 2, report.Changes)
	assert.Zero(t, report.Alerts)
	assert.Empty(t, h.notifier.msgs)

	baseline, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Equal(t, []string{"engine-pro", "ep-2"}, baseline.Keys())

	assert.Equal(t, []monitor.EntryKind{
		monitor.EntryScanStart,
		monitor.EntryBaselineCaptured,
		monitor.EntryScanComplete,
	}, h.history(t))

	last, ok := h.svc.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.ScanID, last.ScanID)
}

func TestScanDetectsChangesAndCommits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.next.Store(snapshotOf(t, scanTime, product("engine-pro", 1299, 10), product("ep-2", 999, 50), product("m20", 899, 4)))
	_, err := h.svc.Scan(ctx, scheduler.TriggerStartup)
	require.NoError(t, err)

	later := scanTime.Add(4 * time.Hour)
	h.next.Store(snapshotOf(t, later,
		product("engine-pro", 1199, 0),
		product("ep-2", 999, 12),
		product("e26", 1499, 8),
	))
	report, err := h.svc.Scan(ctx, scheduler.TriggerTimer)
	require.NoError(t, err)

	assert.False(t, report.Baseline)
	assert.Equal(t, 1, report.ByCategory["NEW_PRODUCT"])
	assert.Equal(t, 1, report.ByCategory["OUT_OF_STOCK"])
	assert.Equal(t, 1, report.ByCategory["PRICE_CHANGE"])
	assert.Equal(t, 1, report.ByCategory["STOCK_DROP"])
	assert.Equal(t, 4, report.Alerts)
	assert.Equal(t, 4, report.Delivered)
	assert.Len(t, h.notifier.msgs, 4)
	assert.GreaterOrEqual(t, report.Informational, 1)

	baseline, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e26", "engine-pro", "ep-2"}, baseline.Keys())

	kinds := h.history(t)
	assert.Contains(t, kinds, monitor.EntryProductRemoved)
	assert.Contains(t, kinds, monitor.EntryKind("OUT_OF_STOCK"))
	assert.Equal(t, monitor.EntryScanComplete, kinds[len(kinds)-1])

	assert.Contains(t, h.events.types(), events.TypeNewProduct)
}

func TestScanFetchFailureKeepsBaseline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.next.Store(snapshotOf(t, scanTime, product("engine-pro", 1299, 10)))
	_, err := h.svc.Scan(ctx, scheduler.TriggerManual)
	require.NoError(t, err)

	fetchErr := errors.New("storefront error (503)")
	h.fetchErr.Store(&fetchErr)
	report, err := h.svc.Scan(ctx, scheduler.TriggerTimer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetchFailure))
	assert.NotEmpty(t, report.Error)

	baseline, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, baseline.CapturedAt.Equal(scanTime))

	kinds := h.history(t)
	assert.Equal(t, monitor.EntryScanError, kinds[len(kinds)-1])
	types := h.events.types()
	assert.Equal(t, events.TypeScanError, types[len(types)-1])
}

type heldLock struct {
	storage.Store
}

func (heldLock) TryScanLock(context.Context) (func(), bool, error) {
	return nil, false, nil
}

func TestScanSkipsWhenLockHeld(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	var fetched atomic.Bool
	f := fetcher.Func(func(context.Context) (*catalog.Snapshot, error) {
		fetched.Store(true)
		return nil, errors.New("unreachable")
	})
	svc := New(config.MonitoringConfig{StockDropRatio: 0.5}, f, heldLock{store}, nil, nil, zerolog.Nop())

	report, err := svc.Scan(context.Background(), scheduler.TriggerTimer)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.False(t, fetched.Load())
}

func TestRunScanPlugsIntoScheduler(t *testing.T) {
	h := newHarness(t)
	h.next.Store(snapshotOf(t, scanTime, product("engine-pro", 1299, 10)))

	s := scheduler.New(scheduler.Options{Interval: time.Hour}, h.svc.RunScan, nil, zerolog.Nop())
	require.NoError(t, s.Trigger(context.Background()))
	assert.Equal(t, 1, s.Status().Scans)
}

func TestCancelledTriggerStillDeliversAndCommits(t *testing.T) {
	h := newHarness(t)
	h.next.Store(snapshotOf(t, scanTime, product("engine-pro", 1299, 10)))
	_, err := h.svc.Scan(context.Background(), scheduler.TriggerStartup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	current := snapshotOf(t, scanTime.Add(4*time.Hour), product("engine-pro", 1299, 10), product("m20", 899, 40))
	h.svc.fetcher = fetcher.Func(func(context.Context) (*catalog.Snapshot, error) {
		// the requesting client goes away once the catalog is captured
		cancel()
		return current, nil
	})

	sched := scheduler.New(scheduler.Options{Interval: time.Hour}, h.svc.RunScan, nil, zerolog.Nop())
	require.NoError(t, sched.Trigger(ctx))

	report, ok := h.svc.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, report.Alerts)
	assert.Equal(t, 1, report.Delivered)
	assert.Zero(t, report.Failed)
	require.Len(t, h.notifier.msgs, 1)

	baseline, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Equal(t, []string{"engine-pro", "m20"}, baseline.Keys())
}
