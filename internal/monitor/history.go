package monitor

import (
	"context"
	"time"
)

// EntryKind is the category column of the event history.
type EntryKind string

const (
	EntryScanStart           EntryKind = "SCAN_START"
	EntryScanComplete        EntryKind = "SCAN_COMPLETE"
	EntryScanError           EntryKind = "SCAN_ERROR"
	EntryBaselineCaptured    EntryKind = "BASELINE_CAPTURED"
	EntryMonitorStart        EntryKind = "MONITOR_START"
	EntryMonitorStop         EntryKind = "MONITOR_STOP"
	EntryNotificationSummary EntryKind = "NOTIFICATION_SUMMARY"
	EntryProductRemoved      EntryKind = "PRODUCT_REMOVED"
	EntryAvailabilityChanged EntryKind = "AVAILABILITY_CHANGED"
	EntryVariantsChanged     EntryKind = "VARIANTS_CHANGED"
)

// IsAlert reports whether the kind is one of the alert categories.
func (k EntryKind) IsAlert() bool {
	for _, c := range Categories {
		if string(k) == c.String() {
			return true
		}
	}
	return false
}

// HistoryEntry is one immutable line of the append-only event history.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Category  EntryKind `json:"category"`
	Message   string    `json:"message"`
	Key       string    `json:"key,omitempty"`
	ScanID    string    `json:"scan_id,omitempty"`
}

// AlertEntry records an alert in history.
func AlertEntry(a Alert, scanID string) HistoryEntry {
	return HistoryEntry{
		Timestamp: a.GeneratedAt,
		Category:  EntryKind(a.Category.String()),
		Message:   a.Message,
		Key:       a.Key(),
		ScanID:    scanID,
	}
}

// ChangeEntry records an informational change in history.
func ChangeEntry(c Change, at time.Time, scanID string) HistoryEntry {
	kind := EntryKind(c.Kind().String())
	switch c.(type) {
	case Removed:
		kind = EntryProductRemoved
	case AvailabilityChanged:
		kind = EntryAvailabilityChanged
	case VariantsChanged:
		kind = EntryVariantsChanged
	}
	return HistoryEntry{
		Timestamp: at,
		Category:  kind,
		Message:   c.Describe(),
		Key:       c.Reference().Key,
		ScanID:    scanID,
	}
}

type scanIDKey struct{}

// WithScanID tags ctx with the identifier of the running scan.
func WithScanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scanIDKey{}, id)
}

// ScanIDFrom returns the scan identifier stored in ctx, if any.
func ScanIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(scanIDKey{}).(string)
	return id
}
