package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"engwewatch/internal/monitor"
)

// Show prints recent history entries, newest first.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	limit := opts.Limit
	if opts.AlertsOnly || opts.Category != "" {
		// filtered after the read, so widen the window
		limit = 0
	}
	entries, err := store.RecentHistory(ctx, limit)
	if err != nil {
		return err
	}
	entries = filterEntries(entries, opts)
	if len(entries) == 0 {
		fmt.Fprintln(out, "no history found")
		return nil
	}
	return writeHistoryTable(out, entries)
}

func filterEntries(entries []monitor.HistoryEntry, opts ShowOptions) []monitor.HistoryEntry {
	category := strings.ToUpper(strings.TrimSpace(opts.Category))
	out := make([]monitor.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if opts.AlertsOnly && !e.Category.IsAlert() {
			continue
		}
		if category != "" && string(e.Category) != category {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out
}

func writeHistoryTable(out io.Writer, entries []monitor.HistoryEntry) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tCategory\tProduct\tMessage")
	for _, e := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Category,
			e.Key,
			sanitizeInline(e.Message),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
