package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On(EventWebhookReceived, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventWebhookReceived, Payload: map[string]any{"status": "ok"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "event.a"})
	eb.Emit(Event{Type: "event.b"})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On("test.event", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_OffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	idA := eb.On("test.event", func(e Event) { atomic.AddInt32(&a, 1) })
	eb.On("test.event", func(e Event) { atomic.AddInt32(&b, 1) })
	eb.Off("test.event", idA)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("expected only second handler to fire, got a=%d b=%d", a, b)
	}
}

func TestEventBus_UniqueHandlerIDs(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	id1 := eb.On("x", func(Event) {})
	eb.Off("x", id1)
	id2 := eb.On("x", func(Event) {})
	if id1 == id2 {
		t.Fatalf("handler ids reused: %s", id1)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("test.event", func(e Event) { panic("boom") })
	eb.On("test.event", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after a panicking one should still run")
	}
}

func TestEventBus_AssignsIDAndTimestamp(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got Event
	eb.On("test.event", func(e Event) { got = e })
	eb.Emit(Event{Type: "test.event"})

	if got.ID == "" {
		t.Error("expected event id to be assigned")
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be auto-set")
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: "test.event"})
}
