package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"

	"engwewatch/internal/api"
	"engwewatch/internal/events"
	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/service"
	"engwewatch/internal/storage"
)

const (
	statusHistoryWindow = 1000
	recentAlertsShown   = 10
)

func (a *App) client() *api.Client {
	return api.NewClient(a.Config.API.ClientURL, a.Config.API.ClientTimeout)
}

// Status prints the state of the running monitor, or the persisted state when
// no monitor process is reachable.
func (a *App) Status(ctx context.Context, out io.Writer) error {
	st, err := a.client().Status(ctx)
	if errors.Is(err, api.ErrUnavailable) {
		a.Logger.Debug().Err(err).Msg("monitor not running; reading store")
		st, err = a.storeStatus(ctx)
	}
	if err != nil {
		return err
	}
	return writeStatus(out, st)
}

func (a *App) storeStatus(ctx context.Context) (api.StatusResponse, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return api.StatusResponse{}, err
	}
	defer closeStore()

	st, err := a.offlineStatus(ctx, store)
	if err != nil {
		return st, err
	}
	st.Scheduler = scheduler.Status{State: scheduler.StateStopped, Interval: a.Config.Monitoring.CheckInterval().String()}
	st.Channels = enabledNames(a.newDispatcher(nil), a.Config.Monitoring)
	return st, nil
}

// offlineStatus derives the persisted part of the status from the store.
func (a *App) offlineStatus(ctx context.Context, store storage.Store) (api.StatusResponse, error) {
	var st api.StatusResponse

	baseline, err := store.Load(ctx)
	if err != nil {
		return st, err
	}
	if baseline != nil {
		st.ProductsTracked = baseline.Len()
		st.BaselineAt = baseline.CapturedAt
	}

	history, err := store.RecentHistory(ctx, statusHistoryWindow)
	if err != nil {
		return st, err
	}
	summariseHistory(&st, history, time.Now().UTC())
	return st, nil
}

func summariseHistory(st *api.StatusResponse, history []monitor.HistoryEntry, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	st.RecentAlerts = []monitor.HistoryEntry{}
	for _, e := range history {
		if e.Category == monitor.EntryScanComplete && st.LastScanAt.IsZero() {
			st.LastScanAt = e.Timestamp
		}
		if !e.Category.IsAlert() {
			continue
		}
		if e.Timestamp.After(cutoff) {
			st.AlertsLast24h++
		}
		if len(st.RecentAlerts) < recentAlertsShown {
			st.RecentAlerts = append(st.RecentAlerts, e)
		}
	}
}

func writeStatus(out io.Writer, st api.StatusResponse) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	active := "no"
	if st.Active {
		active = "yes"
	}
	fmt.Fprintf(w, "Active:\t%s\n", active)
	fmt.Fprintf(w, "State:\t%s\n", st.Scheduler.State)
	fmt.Fprintf(w, "Interval:\t%s\n", st.Scheduler.Interval)
	fmt.Fprintf(w, "Products tracked:\t%d\n", st.ProductsTracked)
	fmt.Fprintf(w, "Baseline captured:\t%s\n", formatTime(st.BaselineAt))
	fmt.Fprintf(w, "Last scan:\t%s\n", formatTime(st.LastScanAt))
	if !st.Scheduler.NextScanAt.IsZero() {
		fmt.Fprintf(w, "Next scan:\t%s\n", formatTime(st.Scheduler.NextScanAt))
	}
	if st.Scheduler.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", sanitizeInline(st.Scheduler.LastError))
	}
	fmt.Fprintf(w, "Alerts (24h):\t%d\n", st.AlertsLast24h)
	fmt.Fprintf(w, "Channels:\t%s\n", strings.Join(st.Channels, ", "))
	if err := w.Flush(); err != nil {
		return err
	}

	if len(st.RecentAlerts) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Recent alerts:")
		return writeHistoryTable(out, st.RecentAlerts)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// Scan asks the running monitor for a manual scan. Without a running monitor
// it performs one scan in-process against the configured store.
func (a *App) Scan(ctx context.Context, out io.Writer) error {
	report, err := a.client().Scan(ctx)
	if errors.Is(err, api.ErrUnavailable) {
		a.Logger.Info().Msg("monitor not running; scanning in-process")
		report, err = a.scanOnce(ctx)
	}
	if report.ScanID != "" {
		if werr := writeReport(out, report); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (a *App) scanOnce(ctx context.Context) (service.Report, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return service.Report{}, err
	}
	defer closeStore()

	svc := service.New(a.Config.Monitoring, a.newFetcher(), store, a.newDispatcher(store), events.Nop{}, a.Logger)
	return svc.Scan(ctx, scheduler.TriggerManual)
}

func writeReport(out io.Writer, r service.Report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Scan:\t%s (%s)\n", r.ScanID, r.Trigger)
	if r.Skipped {
		fmt.Fprintln(w, "Result:\tskipped, another scan holds the lock")
		return w.Flush()
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Result:\tfailed: %s\n", sanitizeInline(r.Error))
	}
	fmt.Fprintf(w, "Duration:\t%s\n", r.Duration)
	fmt.Fprintf(w, "Products:\t%d\n", r.Products)
	if r.Baseline {
		fmt.Fprintln(w, "Baseline:\tcaptured")
	}
	fmt.Fprintf(w, "Changes:\t%d (%d informational)\n", r.Changes, r.Informational)
	fmt.Fprintf(w, "Alerts:\t%d\n", r.Alerts)

	categories := make([]string, 0, len(r.ByCategory))
	for c := range r.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(w, "  %s:\t%d\n", c, r.ByCategory[c])
	}
	fmt.Fprintf(w, "Notifications:\t%d delivered, %d failed\n", r.Delivered, r.Failed)
	return w.Flush()
}

// Stop asks the running monitor to stop.
func (a *App) Stop(ctx context.Context, out io.Writer) error {
	resp, err := a.client().Stop(ctx)
	if errors.Is(err, api.ErrUnavailable) {
		fmt.Fprintln(out, "no running monitor")
		return nil
	}
	if err != nil {
		return err
	}
	if resp.Stopped {
		fmt.Fprintf(out, "monitor stopped (state %s)\n", resp.State)
		return nil
	}
	fmt.Fprintf(out, "monitor already stopped (state %s)\n", resp.State)
	return nil
}
