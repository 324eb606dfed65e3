package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type names an event on the presentation feed.
type Type string

const (
	TypeScanStart            Type = "scan-start"
	TypeScanProgress         Type = "scan-progress"
	TypeScanComplete         Type = "scan-complete"
	TypeScanError            Type = "scan-error"
	TypeNewProduct           Type = "new-product"
	TypeMonitorStatusChanged Type = "monitor-status-changed"
)

// Event is a small structured notice for observers. Delivery is
// fire-and-forget; nothing waits for acknowledgement.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type, payload any) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC(), Payload: payload}
}

// Progress is the payload of scan-progress.
type Progress struct {
	ScanID  string `json:"scan_id"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// Sink receives every published event.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Publisher is what pipeline components depend on.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Bus fans events out to in-process subscribers and external sinks.
// Slow subscribers lose events instead of blocking the publisher.
type Bus struct {
	logger zerolog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	sinks  []Sink
}

// NewBus constructs a bus; buffer sizes each subscriber channel.
func NewBus(buffer int, logger zerolog.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logger: logger.With().Str("component", "event_bus").Logger(),
		buffer: buffer,
		subs:   make(map[int]chan Event),
		sinks:  sinks,
	}
}

// Subscribe returns a channel of future events and a func that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber and sink without blocking on any of them.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug().Int("subscriber", id).Str("type", string(e.Type)).Msg("subscriber full; event dropped")
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.Publish(ctx, e); err != nil {
				b.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("event sink publish failed")
			}
		}(s)
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Nop{}
)
