package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engwewatch/internal/events"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *recordingPublisher) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := e.Payload.(StatusChange); ok {
		r.changes = append(r.changes, c)
	}
}

func (r *recordingPublisher) snapshot() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChange(nil), r.changes...)
}

func waitForState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want }, time.Second, time.Millisecond)
}

func TestTriggerWhileScanningIsRejectedNotQueued(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	scan := func(ctx context.Context, _ Trigger) error {
		calls.Add(1)
		<-release
		return nil
	}
	s := New(Options{Interval: time.Hour}, scan, nil, zerolog.Nop())

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.Trigger(context.Background()) }()
	waitForState(t, s, StateScanning)

	err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrScanInProgress)

	close(release)
	require.NoError(t, <-firstDone)
	waitForState(t, s, StateIdle)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	st := s.Status()
	assert.Equal(t, 1, st.Scans)
	assert.Equal(t, 1, st.Rejected)
}

func TestFailedScanReturnsToIdle(t *testing.T) {
	s := New(Options{Interval: time.Hour}, func(context.Context, Trigger) error {
		return errors.New("fetch failed")
	}, nil, zerolog.Nop())

	err := s.Trigger(context.Background())
	require.Error(t, err)

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, "fetch failed", st.LastError)
	assert.False(t, st.LastScanAt.IsZero())
}

func TestPanickingScanIsRecovered(t *testing.T) {
	s := New(Options{Interval: time.Hour}, func(context.Context, Trigger) error {
		panic("nil map")
	}, nil, zerolog.Nop())

	err := s.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestStopRejectsTriggersAndEndsRun(t *testing.T) {
	s := New(Options{Interval: time.Hour}, func(context.Context, Trigger) error { return nil }, nil, zerolog.Nop())

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(context.Background()) }()

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.ErrorIs(t, s.Trigger(context.Background()), ErrStopped)
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStopDuringScanLetsScanFinish(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	s := New(Options{Interval: time.Hour}, func(ctx context.Context, _ Trigger) error {
		<-release
		finished.Store(true)
		return nil
	}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background()) }()
	waitForState(t, s, StateScanning)

	s.Stop()
	assert.Equal(t, StateStopped, s.Status().State)
	close(release)

	require.NoError(t, <-done)
	assert.True(t, finished.Load())
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestCancelledTriggerDoesNotInterruptScan(t *testing.T) {
	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "manual"))
	var scanErr error
	var value any
	s := New(Options{Interval: time.Hour}, func(scanCtx context.Context, _ Trigger) error {
		cancel()
		scanErr = scanCtx.Err()
		value = scanCtx.Value(key{})
		return nil
	}, nil, zerolog.Nop())

	require.NoError(t, s.Trigger(ctx))
	assert.NoError(t, scanErr)
	assert.Equal(t, "manual", value)
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestRunScansOnInterval(t *testing.T) {
	var calls atomic.Int32
	pub := &recordingPublisher{}
	s := New(Options{Interval: 10 * time.Millisecond, ScanOnStart: true}, func(_ context.Context, trigger Trigger) error {
		calls.Add(1)
		return nil
	}, pub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-runDone, context.Canceled)
	assert.Equal(t, StateStopped, s.Status().State)

	changes := pub.snapshot()
	require.NotEmpty(t, changes)
	assert.Equal(t, StatusChange{From: StateIdle, To: StateScanning, Trigger: TriggerStartup}, changes[0])
	assert.Equal(t, StateStopped, changes[len(changes)-1].To)
}

func TestRunStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, func(context.Context, Trigger) error {
		t.Fatal("scan should not run")
		return nil
	}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, nil, nil, zerolog.Nop()) })
}
