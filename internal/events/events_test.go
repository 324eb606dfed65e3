package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(4, zerolog.Nop())
	a, cancelA := bus.Subscribe()
	b, cancelB := bus.Subscribe()
	defer cancelA()
	defer cancelB()

	bus.Publish(New(TypeScanStart, map[string]string{"scan_id": "s1"}))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeScanStart, e.Type)
			assert.NotEmpty(t, e.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(New(TypeScanProgress, Progress{Current: 1, Total: 2}))
	bus.Publish(New(TypeScanProgress, Progress{Current: 2, Total: 2}))

	e := <-ch
	assert.Equal(t, Progress{Current: 1, Total: 2}, e.Payload)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second event %+v", extra)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(1, zerolog.Nop())
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	bus.Publish(New(TypeScanComplete, nil))
}

type fakeRedis struct {
	mu       sync.Mutex
	channel  string
	messages [][]byte
	err      error
	done     chan struct{}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return cmd
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	client := &fakeRedis{}
	sink := NewRedisSink(client, "")

	require.NoError(t, sink.Publish(context.Background(), Event{ID: "1", Type: TypeNewProduct, Payload: map[string]string{"key": "e26"}}))
	assert.Equal(t, "engwewatch:events", client.channel)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(client.messages[0], &decoded))
	assert.Equal(t, "new-product", decoded["type"])
}

func TestRedisSinkError(t *testing.T) {
	sink := NewRedisSink(&fakeRedis{err: errors.New("connection refused")}, "c")
	assert.Error(t, sink.Publish(context.Background(), Event{Type: TypeScanError}))
}

func TestBusForwardsToSink(t *testing.T) {
	client := &fakeRedis{done: make(chan struct{})}
	done := client.done
	bus := NewBus(1, zerolog.Nop(), NewRedisSink(client, "feed"))

	bus.Publish(New(TypeMonitorStatusChanged, map[string]string{"state": "IDLE"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink not called")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, "feed", client.channel)
}
