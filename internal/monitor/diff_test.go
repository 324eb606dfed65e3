package monitor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engwewatch/internal/catalog"
)

var (
	t0 = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(4 * time.Hour)
)

func product(key string, price string, stock int, variants ...string) catalog.ProductSnapshot {
	return catalog.ProductSnapshot{
		Key:       key,
		Title:     "ENGWE " + key,
		Price:     decimal.RequireFromString(price),
		Stock:     catalog.KnownStock(stock),
		Available: stock > 0,
		Variants:  variants,
		Images:    []string{"https://cdn.example.com/" + key + ".jpg"},
		LastSeen:  t0,
	}
}

func snapshot(t *testing.T, at time.Time, products ...catalog.ProductSnapshot) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot(at, products)
	require.NoError(t, err)
	return snap
}

func kinds(changes []Change) []ChangeKind {
	out := make([]ChangeKind, len(changes))
	for i, c := range changes {
		out[i] = c.Kind()
	}
	return out
}

func TestDiffFirstRunMarksBaseline(t *testing.T) {
	cur := snapshot(t, t1, product("ep-2", "999.00", 10), product("t14", "599.00", 4))

	changes := Diff(nil, cur)
	require.Len(t, changes, 2)
	for _, c := range changes {
		added, ok := c.(Added)
		require.True(t, ok, "expected Added, got %T", c)
		assert.True(t, added.Baseline)
		assert.True(t, added.PreviousAt.IsZero())
		assert.Equal(t, t1, added.CurrentAt)
	}
	assert.Equal(t, "ep-2", changes[0].Reference().Key)
	assert.Equal(t, "t14", changes[1].Reference().Key)
}

func TestDiffIdenticalSnapshotsYieldNothing(t *testing.T) {
	prev := snapshot(t, t0, product("ep-2", "999.00", 10, "a", "b"), product("t14", "599.00", 4))
	cur := snapshot(t, t1, product("ep-2", "999.00", 10, "b", "a"), product("t14", "599", 4))

	assert.Empty(t, Diff(prev, cur))
}

func TestDiffAddedAndRemoved(t *testing.T) {
	prev := snapshot(t, t0, product("ep-2", "999.00", 10), product("old", "100.00", 1))
	cur := snapshot(t, t1, product("ep-2", "999.00", 10), product("m20", "1299.00", 20))

	changes := Diff(prev, cur)
	require.Equal(t, []ChangeKind{KindAdded, KindRemoved}, kinds(changes))

	added := changes[0].(Added)
	assert.Equal(t, "m20", added.Key)
	assert.False(t, added.Baseline)
	assert.Equal(t, t0, added.PreviousAt)

	removed := changes[1].(Removed)
	assert.Equal(t, "old", removed.Key)
	assert.Equal(t, "ENGWE old", removed.Title)
}

func TestDiffMultipleChangesForOneProduct(t *testing.T) {
	prev := snapshot(t, t0, product("ep-2", "999.00", 10, "black", "grey"))
	curProduct := product("ep-2", "949.00", 0, "black", "green")
	cur := snapshot(t, t1, curProduct)

	changes := Diff(prev, cur)
	require.Equal(t, []ChangeKind{KindPriceChanged, KindStockChanged, KindAvailabilityChanged, KindVariantsChanged}, kinds(changes))

	price := changes[0].(PriceChanged)
	assert.True(t, price.Old.Equal(decimal.RequireFromString("999")))
	assert.True(t, price.New.Equal(decimal.RequireFromString("949")))

	stock := changes[1].(StockChanged)
	assert.Equal(t, catalog.KnownStock(10), stock.Old)
	assert.Equal(t, catalog.KnownStock(0), stock.New)

	avail := changes[2].(AvailabilityChanged)
	assert.True(t, avail.Old)
	assert.False(t, avail.New)

	variants := changes[3].(VariantsChanged)
	assert.Equal(t, []string{"green"}, variants.Added)
	assert.Equal(t, []string{"grey"}, variants.Removed)
}

func TestDiffStockKnownToUnknownIsAChange(t *testing.T) {
	prevProduct := product("ep-2", "999.00", 10)
	curProduct := prevProduct
	curProduct.Stock = catalog.UnknownStock()

	changes := Diff(snapshot(t, t0, prevProduct), snapshot(t, t1, curProduct))
	require.Equal(t, []ChangeKind{KindStockChanged}, kinds(changes))
}

func TestDiffIsDeterministic(t *testing.T) {
	prev := snapshot(t, t0,
		product("a", "1", 1), product("b", "2", 2), product("gone-1", "1", 1), product("gone-2", "1", 1))
	cur := snapshot(t, t1,
		product("z", "1", 1), product("b", "3", 1), product("a", "1", 1), product("new", "5", 5))

	first := Diff(prev, cur)
	for i := 0; i < 20; i++ {
		again := Diff(prev, cur)
		if diff := cmp.Diff(describeAll(first), describeAll(again)); diff != "" {
			t.Fatalf("diff output not deterministic (-first +again):\n%s", diff)
		}
	}

	assert.Equal(t, []string{"b", "b", "new", "z", "gone-1", "gone-2"}, keysOf(first))
}

func TestDifferReportsProgress(t *testing.T) {
	cur := snapshot(t, t1, product("a", "1", 1), product("b", "1", 1), product("c", "1", 1))

	var calls [][2]int
	Differ{Progress: func(current, total int) {
		calls = append(calls, [2]int{current, total})
	}}.Diff(nil, cur)

	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)
}

func describeAll(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Kind().String() + ":" + c.Describe()
	}
	return out
}

func keysOf(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Reference().Key
	}
	return out
}
