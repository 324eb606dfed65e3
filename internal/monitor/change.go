package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"engwewatch/internal/catalog"
)

// ChangeKind tags the variants of Change.
type ChangeKind int

const (
	KindAdded ChangeKind = iota + 1
	KindRemoved
	KindPriceChanged
	KindStockChanged
	KindAvailabilityChanged
	KindVariantsChanged
)

func (k ChangeKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindRemoved:
		return "removed"
	case KindPriceChanged:
		return "price_changed"
	case KindStockChanged:
		return "stock_changed"
	case KindAvailabilityChanged:
		return "availability_changed"
	case KindVariantsChanged:
		return "variants_changed"
	default:
		return fmt.Sprintf("change_kind(%d)", int(k))
	}
}

// Ref identifies the product and the two captures a change was derived from.
// PreviousAt is zero when there was no prior capture.
type Ref struct {
	Key        string
	Title      string
	PreviousAt time.Time
	CurrentAt  time.Time
}

// Reference returns the ref itself; it lets every variant satisfy Change.
func (r Ref) Reference() Ref { return r }

// Change is one difference between two catalog captures. The set of
// implementations is closed: Added, Removed, PriceChanged, StockChanged,
// AvailabilityChanged and VariantsChanged.
type Change interface {
	Reference() Ref
	Kind() ChangeKind
	Describe() string
	sealed()
}

// Added reports a product absent from the previous capture. Baseline is set
// when there was no previous capture at all.
type Added struct {
	Ref
	Product  catalog.ProductSnapshot
	Baseline bool
}

// Removed reports a product absent from the current capture.
type Removed struct {
	Ref
	Product catalog.ProductSnapshot
}

// PriceChanged reports any price difference.
type PriceChanged struct {
	Ref
	Old decimal.Decimal
	New decimal.Decimal
}

// StockChanged reports a stock quantity difference.
type StockChanged struct {
	Ref
	Old catalog.Stock
	New catalog.Stock
}

// AvailabilityChanged reports a flip of the storefront availability flag.
type AvailabilityChanged struct {
	Ref
	Old bool
	New bool
}

// VariantsChanged reports variant identifiers that appeared or disappeared.
type VariantsChanged struct {
	Ref
	Added   []string
	Removed []string
}

func (Added) Kind() ChangeKind               { return KindAdded }
func (Removed) Kind() ChangeKind             { return KindRemoved }
func (PriceChanged) Kind() ChangeKind        { return KindPriceChanged }
func (StockChanged) Kind() ChangeKind        { return KindStockChanged }
func (AvailabilityChanged) Kind() ChangeKind { return KindAvailabilityChanged }
func (VariantsChanged) Kind() ChangeKind     { return KindVariantsChanged }

func (Added) sealed()               {}
func (Removed) sealed()             {}
func (PriceChanged) sealed()        {}
func (StockChanged) sealed()        {}
func (AvailabilityChanged) sealed() {}
func (VariantsChanged) sealed()     {}

func (c Added) Describe() string {
	if c.Baseline {
		return fmt.Sprintf("%s recorded in baseline (price %s)", c.Title, c.Product.Price.StringFixed(2))
	}
	return fmt.Sprintf("%s is new (price %s)", c.Title, c.Product.Price.StringFixed(2))
}

func (c Removed) Describe() string {
	return fmt.Sprintf("%s is no longer listed", c.Title)
}

func (c PriceChanged) Describe() string {
	return fmt.Sprintf("%s price %s -> %s", c.Title, c.Old.StringFixed(2), c.New.StringFixed(2))
}

func (c StockChanged) Describe() string {
	return fmt.Sprintf("%s stock %s -> %s", c.Title, c.Old, c.New)
}

func (c AvailabilityChanged) Describe() string {
	state := "unavailable"
	if c.New {
		state = "available"
	}
	return fmt.Sprintf("%s is now %s", c.Title, state)
}

func (c VariantsChanged) Describe() string {
	parts := make([]string, 0, 2)
	if len(c.Added) > 0 {
		parts = append(parts, "added "+strings.Join(c.Added, ","))
	}
	if len(c.Removed) > 0 {
		parts = append(parts, "removed "+strings.Join(c.Removed, ","))
	}
	return fmt.Sprintf("%s variants %s", c.Title, strings.Join(parts, "; "))
}

var (
	_ Change = Added{}
	_ Change = Removed{}
	_ Change = PriceChanged{}
	_ Change = StockChanged{}
	_ Change = AvailabilityChanged{}
	_ Change = VariantsChanged{}
)
