package app

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"engwewatch/internal/api"
	"engwewatch/internal/monitor"
	"engwewatch/internal/service"
)

// ErrMonitorRunning rejects store writes while a monitor process owns the store.
var ErrMonitorRunning = errors.New("monitor is running; stop it before rebaselining")

// Rebaseline captures the current catalog and commits it as the baseline
// without dispatching alerts. With DryRun it only reports what a scan would
// detect against the stored baseline. It refuses to run while a monitor
// process answers on the control API.
func (a *App) Rebaseline(ctx context.Context, out io.Writer, opts RebaselineOptions) error {
	if _, err := a.client().Status(ctx); !errors.Is(err, api.ErrUnavailable) {
		if err != nil {
			return errors.Mark(errors.Wrap(err, "check running monitor"), ErrMonitorRunning)
		}
		return errors.Wrapf(ErrMonitorRunning, "monitor answers at %s", a.Config.API.ClientURL)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	current, err := a.newFetcher().FetchCatalog(ctx)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "fetch catalog"), service.ErrFetchFailure)
	}

	previous, err := store.Load(ctx)
	if err != nil {
		return err
	}

	changes := monitor.Diff(previous, current)
	alerts := monitor.NewClassifier(a.Config.Monitoring).Classify(changes)
	fmt.Fprintf(out, "Products fetched: %d\n", current.Len())
	if previous == nil {
		fmt.Fprintln(out, "Stored baseline: none")
	} else {
		fmt.Fprintf(out, "Stored baseline: %d products, captured %s\n", previous.Len(), formatTime(previous.CapturedAt))
	}
	fmt.Fprintf(out, "Pending changes: %d (%d would alert)\n", len(changes), len(alerts))

	if opts.DryRun {
		a.Logger.Info().Int("products", current.Len()).Int("changes", len(changes)).Msg("dry-run: baseline left untouched")
		return nil
	}

	if err := store.Commit(ctx, current); err != nil {
		return err
	}
	message := fmt.Sprintf("Baseline captured with %d products (rebaseline, %d changes discarded)", current.Len(), len(changes))
	if err := store.AppendHistory(ctx, []monitor.HistoryEntry{{
		Timestamp: current.CapturedAt,
		Category:  monitor.EntryBaselineCaptured,
		Message:   message,
	}}); err != nil {
		a.Logger.Error().Err(err).Msg("failed to record rebaseline")
	}
	fmt.Fprintln(out, "Baseline replaced.")
	return nil
}
