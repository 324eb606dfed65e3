package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the alert taxonomy surfaced to notification channels.
type Category int

const (
	CategoryNewProduct Category = iota + 1
	CategoryLowStock
	CategoryOutOfStock
	CategoryStockDrop
	CategoryPriceChange
)

// Categories lists every alert category in reporting order.
var Categories = []Category{
	CategoryNewProduct,
	CategoryOutOfStock,
	CategoryLowStock,
	CategoryStockDrop,
	CategoryPriceChange,
}

func (c Category) String() string {
	switch c {
	case CategoryNewProduct:
		return "NEW_PRODUCT"
	case CategoryLowStock:
		return "LOW_STOCK"
	case CategoryOutOfStock:
		return "OUT_OF_STOCK"
	case CategoryStockDrop:
		return "STOCK_DROP"
	case CategoryPriceChange:
		return "PRICE_CHANGE"
	default:
		return fmt.Sprintf("CATEGORY_%d", int(c))
	}
}

// Severity ranks alerts for channels that render them differently.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SeverityOf returns the fixed severity of a category.
func SeverityOf(c Category) Severity {
	switch c {
	case CategoryOutOfStock:
		return SeverityCritical
	case CategoryLowStock, CategoryStockDrop:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alert is an immutable classification of one change.
type Alert struct {
	Category    Category
	Severity    Severity
	Message     string
	Change      Change
	DropPercent decimal.Decimal
	GeneratedAt time.Time
}

// Key is the identity key of the product the alert refers to.
func (a Alert) Key() string {
	if a.Change == nil {
		return ""
	}
	return a.Change.Reference().Key
}

// Subject is a one-line title for notification channels.
func (a Alert) Subject() string {
	switch a.Category {
	case CategoryNewProduct:
		return "New Product Alert"
	case CategoryPriceChange:
		return "Price Change Alert"
	default:
		return "Stock Alert - " + a.Category.String()
	}
}

// CountByCategory tallies alerts per category.
func CountByCategory(alerts []Alert) map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, a := range alerts {
		counts[a.Category]++
	}
	return counts
}

// ParseCategory resolves a category name such as "LOW_STOCK". Matching is
// case-insensitive and accepts dashes for underscores.
func ParseCategory(name string) (Category, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for _, c := range Categories {
		if c.String() == norm {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown alert category %q", name)
}
