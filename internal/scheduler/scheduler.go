package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"engwewatch/internal/events"
)

var (
	// ErrScanInProgress rejects a trigger that arrives while a scan is running.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrStopped rejects a trigger after Stop.
	ErrStopped = errors.New("monitor stopped")
)

// State is the scheduler's lifecycle position.
type State string

const (
	StateIdle     State = "IDLE"
	StateScanning State = "SCANNING"
	StateStopped  State = "STOPPED"
)

// Trigger records what started a scan.
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
)

// ScanFunc runs one full scan cycle.
type ScanFunc func(ctx context.Context, trigger Trigger) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	ScanOnStart  bool
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State      State     `json:"state"`
	Interval   string    `json:"interval"`
	LastScanAt time.Time `json:"last_scan_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	NextScanAt time.Time `json:"next_scan_at,omitempty"`
	Scans      int       `json:"scans"`
	Failures   int       `json:"failures"`
	Rejected   int       `json:"rejected"`
}

// StatusChange is the payload of monitor-status-changed events.
type StatusChange struct {
	From    State   `json:"from"`
	To      State   `json:"to"`
	Trigger Trigger `json:"trigger,omitempty"`
}

// Scheduler runs scans on a fixed interval or on demand, never more than one at a time.
type Scheduler struct {
	opts   Options
	scan   ScanFunc
	events events.Publisher
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	lastScanAt time.Time
	lastErr    error
	nextScanAt time.Time
	scans      int
	failures   int
	rejected   int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, scan ScanFunc, publisher events.Publisher, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Scheduler{
		opts:   opts,
		scan:   scan,
		events: publisher,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		state:  StateIdle,
		stopCh: make(chan struct{}),
	}
}

// Run blocks, scanning every interval until Stop is called or ctx is
// cancelled. A stop takes effect at the next scan boundary; an in-flight scan
// runs to completion. Run returns nil after Stop and ctx.Err() on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		if done, err := s.wait(ctx, s.opts.StartupDelay); done {
			return err
		}
	}

	if s.opts.ScanOnStart {
		if s.runOnce(ctx, TriggerStartup) {
			return nil
		}
	}

	for {
		s.mu.Lock()
		s.nextScanAt = s.now().Add(s.opts.Interval)
		next := s.nextScanAt
		s.mu.Unlock()
		s.logger.Debug().Time("next_scan", next).Msg("waiting for next scan")

		if done, err := s.wait(ctx, s.opts.Interval); done {
			return err
		}
		if s.runOnce(ctx, TriggerTimer) {
			return nil
		}
	}
}

// runOnce reports whether the loop should end.
func (s *Scheduler) runOnce(ctx context.Context, trigger Trigger) bool {
	err := s.execute(ctx, trigger)
	switch {
	case errors.Is(err, ErrStopped):
		return true
	case errors.Is(err, ErrScanInProgress):
		s.logger.Info().Str("trigger", string(trigger)).Msg("scan skipped; another scan is running")
	case err != nil:
		s.logger.Error().Err(err).Str("trigger", string(trigger)).Msg("scan failed")
	}
	return s.isStopped()
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.Stop()
		return true, ctx.Err()
	case <-s.stopCh:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// Trigger runs a manual scan synchronously. It returns ErrScanInProgress when
// a scan is already running and ErrStopped after Stop; rejected triggers are
// not queued.
// Once started, the scan runs to completion even if ctx is cancelled.
func (s *Scheduler) Trigger(ctx context.Context) error {
	return s.execute(ctx, TriggerManual)
}

func (s *Scheduler) execute(ctx context.Context, trigger Trigger) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	case StateScanning:
		s.rejected++
		s.mu.Unlock()
		return ErrScanInProgress
	}
	s.state = StateScanning
	s.mu.Unlock()
	s.publishChange(StateIdle, StateScanning, trigger)

	s.logger.Info().Str("trigger", string(trigger)).Msg("scan started")
	// cancellation of the caller only takes effect at the next boundary
	err := s.safeScan(context.WithoutCancel(ctx), trigger)

	s.mu.Lock()
	s.lastScanAt = s.now()
	s.lastErr = err
	s.scans++
	if err != nil {
		s.failures++
	}
	to := s.state
	if to == StateScanning {
		to = StateIdle
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.publishChange(StateScanning, to, trigger)

	return err
}

func (s *Scheduler) safeScan(ctx context.Context, trigger Trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("scan panicked: %s", fmt.Sprint(r))
		}
	}()
	return s.scan(ctx, trigger)
}

// Stop moves the scheduler to STOPPED. It reports whether this call did the
// transition; later calls are no-ops.
func (s *Scheduler) Stop() bool {
	stopped := false
	s.stopOnce.Do(func() {
		s.mu.Lock()
		from := s.state
		s.state = StateStopped
		s.nextScanAt = time.Time{}
		s.mu.Unlock()
		close(s.stopCh)
		s.publishChange(from, StateStopped, "")
		s.logger.Info().Str("from", string(from)).Msg("scheduler stopped")
		stopped = true
	})
	return stopped
}

// Done is closed once Stop has been called.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopCh
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStopped
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:      s.state,
		Interval:   s.opts.Interval.String(),
		LastScanAt: s.lastScanAt,
		NextScanAt: s.nextScanAt,
		Scans:      s.scans,
		Failures:   s.failures,
		Rejected:   s.rejected,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) publishChange(from, to State, trigger Trigger) {
	if from == to {
		return
	}
	s.events.Publish(events.New(events.TypeMonitorStatusChanged, StatusChange{From: from, To: to, Trigger: trigger}))
}
