package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yumo666666/MdToImage/internal/domain"
)

func testBusLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(10, testBusLogger())
	defer b.Close()

	b.Publish(domain.ResponseEvent{Channel: "cli", ChatID: "direct", Text: "hello"})

	select {
	case evt := <-b.Subscribe():
		if evt.Text != "hello" || evt.Channel != "cli" {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_ChainRouting(t *testing.T) {
	b := New(10, testBusLogger())
	defer b.Close()

	var got atomic.Int32
	b.OnChain("telegram", func(chain domain.OutboundChain) {
		if len(chain.Segments) != 1 {
			t.Errorf("unexpected chain: %+v", chain)
		}
		got.Add(1)
	})

	b.SendChain(domain.OutboundChain{
		Channel:  "telegram",
		ChatID:   "42",
		Segments: []domain.Segment{domain.TextSegment("hi")},
	})

	if got.Load() != 1 {
		t.Errorf("expected 1 chain delivered, got %d", got.Load())
	}
}

func TestBus_ChainUnknownChannelDropped(t *testing.T) {
	b := New(10, testBusLogger())
	defer b.Close()

	// No handler registered; must not panic.
	b.SendChain(domain.OutboundChain{Channel: "nowhere"})
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(10, testBusLogger())
	b.Close()

	// Must not panic on closed bus.
	b.Publish(domain.ResponseEvent{Channel: "cli", Text: "late"})
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testBusLogger())

	var received int32
	eb.On(EventImageFetched, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventImageFetched, Payload: map[string]any{"url": "u"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_Wildcard(t *testing.T) {
	eb := NewEventBus(testBusLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventResponseReceived})
	eb.Emit(Event{Type: EventChainSent})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testBusLogger())

	var count int32
	id := eb.On("x", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: "x"})
	eb.Off("x", id)
	eb.Emit(Event{Type: "x"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testBusLogger())

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if got := len(eb.Replay("a", time.Time{})); got != 2 {
		t.Errorf("expected 2 'a' events, got %d", got)
	}
	if got := len(eb.Replay("*", time.Time{})); got != 3 {
		t.Errorf("expected 3 total events, got %d", got)
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testBusLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "t"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testBusLogger())

	eb.On("boom", func(e Event) {
		panic("handler gone wrong")
	})

	// Must not panic the caller.
	eb.Emit(Event{Type: "boom"})
}
