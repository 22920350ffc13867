package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cidadao-ai/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func publish(b *Bus, t domain.EventType) {
	b.Publish(context.Background(), domain.NewEvent(t, "exec-1", nil))
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStepCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventStepCompleted && e.ExecutionID == "exec-1" {
			got.Add(1)
		}
	})

	publish(bus, domain.EventStepCompleted)
	publish(bus, domain.EventStepFailed)
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeFamily(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("workflow.*", func(context.Context, domain.Event) { got.Add(1) })

	publish(bus, domain.EventWorkflowStarted)
	publish(bus, domain.EventWorkflowCompleted)
	publish(bus, domain.EventStepCompleted)
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 workflow events, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(context.Context, domain.Event) { got.Add(1) })

	publish(bus, domain.EventAgentCreated)
	publish(bus, domain.EventScheduleFired)
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventStepCompleted, func(context.Context, domain.Event) { got.Add(1) })
	unsub()
	unsub()

	publish(bus, domain.EventStepCompleted)
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got.Load())
	}
	if n := bus.Stats().Subscribers; n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStepCompleted, func(context.Context, domain.Event) { got.Add(1) })

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			publish(bus, domain.EventStepCompleted)
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
	if s := bus.Stats(); s.Published != 100 || s.Delivered != 100 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStepFailed, func(context.Context, domain.Event) { panic("boom") })
	bus.Subscribe(domain.EventStepFailed, func(context.Context, domain.Event) { got.Add(1) })

	publish(bus, domain.EventStepFailed)
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
	if p := bus.Stats().Panics; p != 1 {
		t.Fatalf("panics = %d, want 1", p)
	}
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := newTestBus()

	errCh := make(chan error, 1)
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) {
		time.Sleep(20 * time.Millisecond)
		errCh <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, domain.NewEvent(domain.EventWorkflowCompleted, "", nil))
	cancel()
	bus.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("handler context canceled: %v", err)
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStepCompleted, func(context.Context, domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	publish(bus, domain.EventStepCompleted)
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	publish(bus, domain.EventStepCompleted)
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	if d := bus.Stats().Dropped; d != 1 {
		t.Fatalf("dropped = %d, want 1", d)
	}
	bus.Close()
}
