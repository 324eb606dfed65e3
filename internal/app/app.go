package app

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"engwewatch/internal/alerting"
	"engwewatch/internal/config"
	"engwewatch/internal/events"
	"engwewatch/internal/fetcher"
	"engwewatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.CatalogFetcher {
	return fetcher.NewShopify(fetcher.ShopifyOptions{
		BaseURL:           a.Config.Catalog.BaseURL,
		SitemapPath:       a.Config.Catalog.SitemapPath,
		MaxProducts:       a.Config.Catalog.MaxProducts,
		Timeout:           a.Config.Catalog.RequestTimeout,
		RequestsPerSecond: a.Config.Catalog.RequestsPerSecond,
		UserAgent:         a.Config.Catalog.UserAgent,
	}, a.Logger)
}

// newNotifiers registers every channel the configuration can drive. Desktop
// and email are switched per dispatch by the monitoring toggles.
func (a *App) newNotifiers() []alerting.Notifier {
	n := a.Config.Notifications
	notifiers := []alerting.Notifier{
		alerting.NewDesktopNotifier(n.Desktop.AppName, nil, a.Logger),
	}
	if n.Email.SMTPServer != "" {
		notifiers = append(notifiers, alerting.NewEmailNotifier(n.Email, a.storeName(), nil, a.Logger))
	}
	if n.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(n.Telegram.BotToken, n.Telegram.ChatID, n.Telegram.APIBase, n.Timeout, a.Logger))
	}
	return notifiers
}

func (a *App) newDispatcher(history alerting.HistoryAppender) *alerting.Dispatcher {
	return alerting.NewDispatcher(history, a.Logger, a.newNotifiers()...)
}

func (a *App) storeName() string {
	u, err := url.Parse(a.Config.Catalog.BaseURL)
	if err != nil || u.Host == "" {
		return a.Config.Catalog.BaseURL
	}
	return u.Host
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return store, closer, nil
}

// newBus builds the event bus, attaching the redis sink when configured.
func (a *App) newBus() (*events.Bus, func()) {
	var sinks []events.Sink
	closers := []func(){}

	if r := a.Config.Events.Redis; r.Addr != "" {
		client := events.NewRedisClient(r.Addr, r.Password, r.DB)
		sinks = append(sinks, events.NewRedisSink(client, r.Channel))
		closers = append(closers, func() { _ = client.Close() })
		a.Logger.Info().Str("addr", r.Addr).Str("channel", r.Channel).Msg("publishing events to redis")
	}

	bus := events.NewBus(a.Config.Events.Buffer, a.Logger, sinks...)
	return bus, func() {
		bus.Close()
		for _, c := range closers {
			c()
		}
	}
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Category   string
	AlertsOnly bool
}

// ExportOptions hold parameters for exporting history. MaxDays bounds the
// default window and the number of plotted buckets.
type ExportOptions struct {
	From    *time.Time
	To      *time.Time
	PNGPath string
	CSVPath string
	MaxDays int
}

// RebaselineOptions configure the rebaseline job.
type RebaselineOptions struct {
	DryRun bool
}
