package monitor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"engwewatch/internal/config"
)

var hundred = decimal.NewFromInt(100)

// Classifier maps changes to alerts using the monitoring thresholds.
type Classifier struct {
	cfg       config.MonitoringConfig
	dropRatio decimal.Decimal
	now       func() time.Time
}

// NewClassifier builds a classifier for cfg.
func NewClassifier(cfg config.MonitoringConfig) *Classifier {
	return &Classifier{
		cfg:       cfg,
		dropRatio: decimal.NewFromFloat(cfg.StockDropRatio),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the alert generation clock.
func (c *Classifier) WithClock(now func() time.Time) *Classifier {
	c.now = now
	return c
}

// Classify maps changes to alerts with a fresh classifier.
func Classify(changes []Change, cfg config.MonitoringConfig) []Alert {
	return NewClassifier(cfg).Classify(changes)
}

// Classify produces at most one alert per change, preserving input order.
func (c *Classifier) Classify(changes []Change) []Alert {
	alerts := make([]Alert, 0, len(changes))
	now := c.now()
	for _, change := range changes {
		alert, ok := c.classifyOne(change)
		if !ok {
			continue
		}
		alert.Change = change
		alert.Severity = SeverityOf(alert.Category)
		alert.GeneratedAt = now
		alerts = append(alerts, alert)
	}
	return alerts
}

func (c *Classifier) classifyOne(change Change) (Alert, bool) {
	switch ch := change.(type) {
	case Added:
		if ch.Baseline && !c.cfg.AlertOnBaseline {
			return Alert{}, false
		}
		return Alert{
			Category: CategoryNewProduct,
			Message:  fmt.Sprintf("New product found: %s\nPrice: %s", ch.Title, ch.Product.Price.StringFixed(2)),
		}, true
	case StockChanged:
		return c.classifyStock(ch)
	case PriceChanged:
		return Alert{
			Category: CategoryPriceChange,
			Message:  fmt.Sprintf("Price changed: %s - From %s to %s", ch.Title, ch.Old.StringFixed(2), ch.New.StringFixed(2)),
		}, true
	case Removed, AvailabilityChanged, VariantsChanged:
		return Alert{}, false
	default:
		panic(fmt.Sprintf("monitor: unhandled change type %T", change))
	}
}

// classifyStock applies OUT_OF_STOCK > LOW_STOCK > STOCK_DROP, first match wins.
// Increases and unknown quantities never alert.
func (c *Classifier) classifyStock(ch StockChanged) (Alert, bool) {
	if !ch.New.Known {
		return Alert{}, false
	}
	if ch.Old.Known && ch.New.Quantity > ch.Old.Quantity {
		return Alert{}, false
	}

	newQty := ch.New.Quantity
	switch {
	case newQty == 0:
		return Alert{
			Category: CategoryOutOfStock,
			Message:  fmt.Sprintf("Product went out of stock: %s", ch.Title),
		}, true
	case newQty <= c.cfg.LowStockThreshold:
		return Alert{
			Category: CategoryLowStock,
			Message:  fmt.Sprintf("Low stock alert: %s - Only %d left", ch.Title, newQty),
		}, true
	}

	if !ch.Old.Known || ch.Old.Quantity <= 0 {
		return Alert{}, false
	}
	drop := decimal.NewFromInt(int64(ch.Old.Quantity - newQty)).Div(decimal.NewFromInt(int64(ch.Old.Quantity)))
	if drop.LessThan(c.dropRatio) {
		return Alert{}, false
	}
	pct := drop.Mul(hundred).Round(1)
	return Alert{
		Category:    CategoryStockDrop,
		Message:     fmt.Sprintf("Stock dropped significantly: %s - From %d to %d (%s%% drop)", ch.Title, ch.Old.Quantity, newQty, pct.String()),
		DropPercent: pct,
	}, true
}

// Informational returns the changes that are recorded in history but never
// dispatched: removals, availability flips and variant set changes.
func Informational(changes []Change) []Change {
	var out []Change
	for _, change := range changes {
		switch change.(type) {
		case Removed, AvailabilityChanged, VariantsChanged:
			out = append(out, change)
		}
	}
	return out
}
