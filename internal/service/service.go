package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"engwewatch/internal/alerting"
	"engwewatch/internal/catalog"
	"engwewatch/internal/config"
	"engwewatch/internal/events"
	"engwewatch/internal/fetcher"
	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/storage"
)

// ErrFetchFailure marks a cycle skipped because the catalog could not be captured.
var ErrFetchFailure = errors.New("catalog fetch failed")

const progressEvery = 25

// Report summarises one scan cycle.
type Report struct {
	ScanID        string         `json:"scan_id"`
	Trigger       string         `json:"trigger"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Duration      string         `json:"duration"`
	Skipped       bool           `json:"skipped,omitempty"`
	Baseline      bool           `json:"baseline"`
	Products      int            `json:"products"`
	Changes       int            `json:"changes"`
	Alerts        int            `json:"alerts"`
	Informational int            `json:"informational"`
	ByCategory    map[string]int `json:"by_category"`
	Delivered     int            `json:"delivered"`
	Failed        int            `json:"failed"`
	Error         string         `json:"error,omitempty"`
}

// NewProductEvent is the payload of new-product events.
type NewProductEvent struct {
	ScanID string `json:"scan_id"`
	Key    string `json:"key"`
	Title  string `json:"title"`
	Price  string `json:"price"`
	URL    string `json:"url,omitempty"`
}

// Service orchestrates fetching, diffing, alerting and persistence.
type Service struct {
	cfg        config.MonitoringConfig
	fetcher    fetcher.CatalogFetcher
	store      storage.Store
	locker     storage.ScanLocker
	dispatcher *alerting.Dispatcher
	classifier *monitor.Classifier
	events     events.Publisher
	logger     zerolog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last *Report
}

// New constructs the monitoring service.
func New(cfg config.MonitoringConfig, f fetcher.CatalogFetcher, store storage.Store, dispatcher *alerting.Dispatcher, publisher events.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}

	var locker storage.ScanLocker
	if l, ok := store.(storage.ScanLocker); ok {
		locker = l
	}

	return &Service{
		cfg:        cfg,
		fetcher:    f,
		store:      store,
		locker:     locker,
		dispatcher: dispatcher,
		classifier: monitor.NewClassifier(cfg),
		events:     publisher,
		logger:     logger.With().Str("component", "service").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunScan adapts Scan to scheduler.ScanFunc.
func (s *Service) RunScan(ctx context.Context, trigger scheduler.Trigger) error {
	_, err := s.Scan(ctx, trigger)
	return err
}

// LastReport returns the most recent completed or failed scan report.
func (s *Service) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Scan runs one cycle: fetch, diff against the baseline, classify, dispatch,
// then commit the new baseline. A fetch failure leaves the baseline untouched.
func (s *Service) Scan(ctx context.Context, trigger scheduler.Trigger) (Report, error) {
	report := Report{
		ScanID:     uuid.NewString(),
		Trigger:    string(trigger),
		StartedAt:  s.now(),
		ByCategory: map[string]int{},
	}
	ctx = monitor.WithScanID(ctx, report.ScanID)
	logger := s.logger.With().Str("scan_id", report.ScanID).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return s.finish(report, err), err
	}
	if !proceed {
		logger.Info().Msg("skip scan because scan lock held elsewhere")
		report.Skipped = true
		return s.finish(report, nil), nil
	}
	if unlock != nil {
		defer unlock()
	}

	err = s.execute(ctx, logger, &report)
	return s.finish(report, err), err
}

func (s *Service) execute(ctx context.Context, logger zerolog.Logger, report *Report) error {
	s.record(ctx, monitor.EntryScanStart, fmt.Sprintf("Starting product scan (%s)", report.Trigger))
	s.events.Publish(events.New(events.TypeScanStart, map[string]string{"scan_id": report.ScanID, "trigger": report.Trigger}))

	current, err := s.fetcher.FetchCatalog(ctx)
	if err == nil && current == nil {
		err = errors.New("fetcher returned no snapshot")
	}
	if err != nil {
		err = errors.Mark(errors.Wrap(err, "fetch catalog"), ErrFetchFailure)
		s.fail(ctx, logger, report, err)
		return err
	}
	report.Products = current.Len()
	s.publishProgress(report.ScanID, 0, current.Len())

	previous, err := s.store.Load(ctx)
	if err != nil {
		err = errors.Wrap(err, "load baseline")
		s.fail(ctx, logger, report, err)
		return err
	}
	report.Baseline = previous == nil

	differ := monitor.Differ{Progress: func(i, total int) {
		if i == total || i%progressEvery == 0 {
			s.publishProgress(report.ScanID, i, total)
		}
	}}
	changes := differ.Diff(previous, current)
	report.Changes = len(changes)

	alerts := s.classifier.Classify(changes)
	report.Alerts = len(alerts)
	for c, n := range monitor.CountByCategory(alerts) {
		report.ByCategory[c.String()] = n
	}

	info := monitor.Informational(changes)
	report.Informational = len(info)
	if len(info) > 0 {
		at := s.now()
		entries := make([]monitor.HistoryEntry, len(info))
		for i, c := range info {
			entries[i] = monitor.ChangeEntry(c, at, report.ScanID)
		}
		s.appendHistory(ctx, entries)
	}

	if s.dispatcher != nil {
		result, err := s.dispatcher.Dispatch(ctx, alerts, s.cfg, current.Len())
		if err != nil {
			logger.Error().Err(err).Msg("alert history not fully recorded")
		}
		report.Delivered, report.Failed = result.Delivered, result.Failed
	}

	if err := s.store.Commit(ctx, current); err != nil {
		err = errors.Wrap(err, "commit baseline")
		s.fail(ctx, logger, report, err)
		return err
	}
	if report.Baseline {
		s.record(ctx, monitor.EntryBaselineCaptured, fmt.Sprintf("Baseline captured with %d products", current.Len()))
	}

	s.publishNewProducts(report.ScanID, alerts, current)
	s.record(ctx, monitor.EntryScanComplete, fmt.Sprintf("Scan complete: %d products, %d changes, %d alerts", report.Products, report.Changes, report.Alerts))
	logger.Info().
		Int("products", report.Products).
		Int("changes", report.Changes).
		Int("alerts", report.Alerts).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Bool("baseline", report.Baseline).
		Msg("scan complete")
	return nil
}

func (s *Service) finish(report Report, err error) Report {
	report.FinishedAt = s.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt).String()
	if err != nil {
		report.Error = err.Error()
	}
	if err == nil {
		s.events.Publish(events.New(events.TypeScanComplete, report))
	}

	s.mu.Lock()
	stored := report
	s.last = &stored
	s.mu.Unlock()
	return report
}

func (s *Service) fail(ctx context.Context, logger zerolog.Logger, report *Report, err error) {
	logger.Error().Err(err).Msg("scan failed; baseline retained")
	s.record(ctx, monitor.EntryScanError, "Monitoring scan failed: "+err.Error())
	s.events.Publish(events.New(events.TypeScanError, map[string]string{"scan_id": report.ScanID, "error": err.Error()}))
}

func (s *Service) publishProgress(scanID string, current, total int) {
	s.events.Publish(events.New(events.TypeScanProgress, events.Progress{ScanID: scanID, Current: current, Total: total}))
}

func (s *Service) publishNewProducts(scanID string, alerts []monitor.Alert, current *catalog.Snapshot) {
	for _, a := range alerts {
		if a.Category != monitor.CategoryNewProduct {
			continue
		}
		p, _ := current.Get(a.Key())
		s.events.Publish(events.New(events.TypeNewProduct, NewProductEvent{
			ScanID: scanID,
			Key:    p.Key,
			Title:  p.Title,
			Price:  p.Price.StringFixed(2),
			URL:    p.URL,
		}))
	}
}

func (s *Service) record(ctx context.Context, kind monitor.EntryKind, message string) {
	s.appendHistory(ctx, []monitor.HistoryEntry{{
		Timestamp: s.now(),
		Category:  kind,
		Message:   message,
		ScanID:    monitor.ScanIDFrom(ctx),
	}})
}

func (s *Service) appendHistory(ctx context.Context, entries []monitor.HistoryEntry) {
	if err := s.store.AppendHistory(ctx, entries); err != nil {
		s.logger.Error().Err(err).Int("entries", len(entries)).Msg("failed to append history")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryScanLock(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire scan lock")
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
