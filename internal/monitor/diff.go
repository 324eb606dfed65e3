package monitor

import (
	"time"

	"engwewatch/internal/catalog"
)

// ProgressFunc receives the number of products compared so far.
type ProgressFunc func(current, total int)

// Differ compares catalog captures. The zero value is ready to use.
type Differ struct {
	Progress ProgressFunc
}

// Diff compares current against previous with a zero Differ.
func Diff(previous, current *catalog.Snapshot) []Change {
	return Differ{}.Diff(previous, current)
}

// Diff returns the changes from previous to current. A nil previous means
// first run: every current product is reported as a baseline Added.
//
// Output order is deterministic: current keys in sorted order (for each
// product: price, stock, availability, variants), then previous-only keys in
// sorted order.
func (d Differ) Diff(previous, current *catalog.Snapshot) []Change {
	keys := current.Keys()
	total := len(keys)
	changes := make([]Change, 0)

	var previousAt time.Time
	if previous != nil {
		previousAt = previous.CapturedAt
	}
	var currentAt time.Time
	if current != nil {
		currentAt = current.CapturedAt
	}

	for i, key := range keys {
		cur := current.Products[key]
		ref := Ref{Key: key, Title: cur.Title, PreviousAt: previousAt, CurrentAt: currentAt}

		prev, seen := previous.Get(key)
		if !seen {
			changes = append(changes, Added{Ref: ref, Product: cur, Baseline: previous == nil})
		} else {
			changes = append(changes, compareProduct(ref, prev, cur)...)
		}

		if d.Progress != nil {
			d.Progress(i+1, total)
		}
	}

	for _, key := range previous.Keys() {
		if _, ok := current.Get(key); ok {
			continue
		}
		prev := previous.Products[key]
		ref := Ref{Key: key, Title: prev.Title, PreviousAt: previousAt, CurrentAt: currentAt}
		changes = append(changes, Removed{Ref: ref, Product: prev})
	}

	return changes
}

func compareProduct(ref Ref, prev, cur catalog.ProductSnapshot) []Change {
	var out []Change

	if !prev.Price.Equal(cur.Price) {
		out = append(out, PriceChanged{Ref: ref, Old: prev.Price, New: cur.Price})
	}
	if prev.Stock != cur.Stock {
		out = append(out, StockChanged{Ref: ref, Old: prev.Stock, New: cur.Stock})
	}
	if prev.Available != cur.Available {
		out = append(out, AvailabilityChanged{Ref: ref, Old: prev.Available, New: cur.Available})
	}
	added, removed := setDifference(prev.Variants, cur.Variants)
	if len(added) > 0 || len(removed) > 0 {
		out = append(out, VariantsChanged{Ref: ref, Added: added, Removed: removed})
	}

	return out
}

// setDifference returns the members only in next and the members only in prev.
func setDifference(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, v := range prev {
		prevSet[v] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, v := range next {
		nextSet[v] = struct{}{}
		if _, ok := prevSet[v]; !ok {
			added = append(added, v)
		}
	}
	for _, v := range prev {
		if _, ok := nextSet[v]; !ok {
			removed = append(removed, v)
		}
	}
	return added, removed
}
