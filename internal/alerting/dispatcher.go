package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"engwewatch/internal/config"
	"engwewatch/internal/monitor"
)

// HistoryAppender 是调度器写入事件历史所需的最小接口。
type HistoryAppender interface {
	AppendHistory(ctx context.Context, entries []monitor.HistoryEntry) error
}

// DispatchResult counts per-channel delivery outcomes. Each (channel, message)
// pair counts once.
type DispatchResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (r *DispatchResult) add(o DispatchResult) {
	r.Delivered += o.Delivered
	r.Failed += o.Failed
}

// Dispatcher fans alerts out to the enabled channels and records them in history.
type Dispatcher struct {
	channels []Notifier
	history  HistoryAppender
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher 构造调度器; channels 按注册顺序保存。
func NewDispatcher(history HistoryAppender, logger zerolog.Logger, channels ...Notifier) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		history:  history,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Channels returns the names of the registered channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Enabled returns the channels switched on by cfg. Desktop and email follow
// their monitoring toggles; any other registered channel is always on.
func (d *Dispatcher) Enabled(cfg config.MonitoringConfig) []Notifier {
	out := make([]Notifier, 0, len(d.channels))
	for _, ch := range d.channels {
		switch ch.Name() {
		case "desktop":
			if !cfg.EnableDesktopNotifications {
				continue
			}
		case "email":
			if !cfg.EnableEmailNotifications {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}

// Dispatch records every alert in history exactly once, then delivers each
// alert on every enabled channel. Channels run concurrently and fail
// independently. When summaries are on and the batch is not empty, one
// summary message follows the per-alert delivery.
//
// The returned error reports only a history write failure; delivery failures
// are counted in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []monitor.Alert, cfg config.MonitoringConfig, totalProducts int) (DispatchResult, error) {
	var result DispatchResult
	if len(alerts) == 0 {
		return result, nil
	}
	scanID := monitor.ScanIDFrom(ctx)

	entries := make([]monitor.HistoryEntry, len(alerts))
	for i, a := range alerts {
		entries[i] = monitor.AlertEntry(a, scanID)
	}
	historyErr := d.appendHistory(ctx, entries)

	messages := make([]Message, len(alerts))
	for i, a := range alerts {
		messages[i] = AlertMessage(a)
	}
	enabled := d.Enabled(cfg)
	result.add(d.fanOut(ctx, enabled, messages))

	if cfg.SendSummaryNotifications {
		summary := SummaryMessage(alerts, totalProducts, d.now())
		result.add(d.fanOut(ctx, enabled, []Message{summary}))
		summaryEntry := monitor.HistoryEntry{
			Timestamp: summary.Time,
			Category:  monitor.EntryNotificationSummary,
			Message:   summary.Body,
			ScanID:    scanID,
		}
		if err := d.appendHistory(ctx, []monitor.HistoryEntry{summaryEntry}); err != nil && historyErr == nil {
			historyErr = err
		}
	}

	d.logger.Info().
		Int("alerts", len(alerts)).
		Int("channels", len(enabled)).
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Msg("dispatch complete")
	return result, historyErr
}

// Broadcast sends one ad-hoc message on every enabled channel.
func (d *Dispatcher) Broadcast(ctx context.Context, msg Message, cfg config.MonitoringConfig) DispatchResult {
	if msg.Time.IsZero() {
		msg.Time = d.now()
	}
	return d.fanOut(ctx, d.Enabled(cfg), []Message{msg})
}

func (d *Dispatcher) fanOut(ctx context.Context, channels []Notifier, messages []Message) DispatchResult {
	var (
		mu     sync.Mutex
		result DispatchResult
		g      errgroup.Group
	)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			var local DispatchResult
			for _, msg := range messages {
				if err := ch.Notify(ctx, msg); err != nil {
					local.Failed++
					d.logger.Warn().Err(err).
						Str("channel", ch.Name()).
						Str("key", msg.Key).
						Str("subject", msg.Subject).
						Msg("notification delivery failed")
					continue
				}
				local.Delivered++
			}
			mu.Lock()
			result.add(local)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (d *Dispatcher) appendHistory(ctx context.Context, entries []monitor.HistoryEntry) error {
	if d.history == nil {
		return nil
	}
	if err := d.history.AppendHistory(ctx, entries); err != nil {
		d.logger.Error().Err(err).Int("entries", len(entries)).Msg("append history failed")
		return errors.Wrap(err, "append alert history")
	}
	return nil
}
