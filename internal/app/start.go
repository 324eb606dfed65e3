package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"engwewatch/internal/alerting"
	"engwewatch/internal/api"
	"engwewatch/internal/config"
	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/service"
	"engwewatch/internal/storage"
)

// Start executes the long-running monitoring service: the scheduler loop plus
// the control API, until interrupted or stopped through the API.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	bus, closeBus := a.newBus()
	defer closeBus()

	mon := a.Config.Monitoring
	dispatcher := a.newDispatcher(store)
	svc := service.New(mon, a.newFetcher(), store, dispatcher, bus, a.Logger)
	sched := scheduler.New(scheduler.Options{
		Interval:     mon.CheckInterval(),
		StartupDelay: mon.StartupDelay,
		ScanOnStart:  mon.ScanOnStart,
	}, svc.RunScan, bus, a.Logger)

	ctrl := &controller{app: a, store: store, sched: sched, svc: svc, dispatcher: dispatcher}

	a.lifecycle(ctx, store, dispatcher, monitor.EntryMonitorStart, "Monitor Started",
		fmt.Sprintf("Engwe product monitoring is now active.\nChecking every %d hours for new products and stock changes.", mon.CheckIntervalHours))

	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	defer stopAPI()

	g.Go(func() error {
		defer stopAPI()
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if addr := a.Config.API.Listen; addr != "" {
		server := api.NewServer(ctrl, bus, a.Logger)
		g.Go(func() error {
			err := server.ListenAndServe(apiCtx, addr)
			if err != nil {
				sched.Stop()
			}
			return err
		})
	}

	a.Logger.Info().
		Int("interval_hours", mon.CheckIntervalHours).
		Strs("channels", dispatcher.Channels()).
		Str("storage", a.Config.Storage.Driver).
		Msg("starting monitoring service")

	err = g.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	a.lifecycle(stopCtx, store, dispatcher, monitor.EntryMonitorStop, "Monitor Stopped", "Engwe product monitoring has been stopped.")

	if err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// lifecycle records a start or stop notice in history and broadcasts it.
func (a *App) lifecycle(ctx context.Context, store storage.HistoryStore, dispatcher *alerting.Dispatcher, kind monitor.EntryKind, subject, body string) {
	now := time.Now().UTC()
	if err := store.AppendHistory(ctx, []monitor.HistoryEntry{{Timestamp: now, Category: kind, Message: body}}); err != nil {
		a.Logger.Error().Err(err).Str("category", string(kind)).Msg("failed to record lifecycle event")
	}
	result := dispatcher.Broadcast(ctx, alerting.Message{Subject: subject, Body: body, Time: now}, a.Config.Monitoring)
	if result.Failed > 0 {
		a.Logger.Warn().Int("failed", result.Failed).Str("subject", subject).Msg("lifecycle notice not delivered everywhere")
	}
}

// controller adapts the running components to the HTTP control surface.
type controller struct {
	app        *App
	store      storage.Store
	sched      *scheduler.Scheduler
	svc        *service.Service
	dispatcher *alerting.Dispatcher
}

func (c *controller) Status(ctx context.Context) (api.StatusResponse, error) {
	st, err := c.app.offlineStatus(ctx, c.store)
	if err != nil {
		return st, err
	}
	st.Scheduler = c.sched.Status()
	st.Active = st.Scheduler.State != scheduler.StateStopped
	st.Channels = enabledNames(c.dispatcher, c.app.Config.Monitoring)
	if report, ok := c.svc.LastReport(); ok {
		st.LastReport = &report
	}
	return st, nil
}

func (c *controller) TriggerScan(ctx context.Context) (service.Report, error) {
	if err := c.sched.Trigger(ctx); err != nil {
		if errors.Is(err, scheduler.ErrScanInProgress) || errors.Is(err, scheduler.ErrStopped) {
			return service.Report{}, err
		}
		report, _ := c.svc.LastReport()
		return report, err
	}
	report, _ := c.svc.LastReport()
	return report, nil
}

func (c *controller) StopMonitor(context.Context) api.StopResponse {
	stopped := c.sched.Stop()
	return api.StopResponse{Stopped: stopped, State: c.sched.Status().State}
}

func (c *controller) History(ctx context.Context, limit int) ([]monitor.HistoryEntry, error) {
	return c.store.RecentHistory(ctx, limit)
}

func enabledNames(d *alerting.Dispatcher, cfg config.MonitoringConfig) []string {
	enabled := d.Enabled(cfg)
	names := make([]string, len(enabled))
	for i, n := range enabled {
		names[i] = n.Name()
	}
	return names
}

var _ api.Controller = (*controller)(nil)
