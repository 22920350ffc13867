// Package eventbus is the in-process publish/subscribe bus that carries
// workflow, step, pool, and scheduler events.
package eventbus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"cidadao-ai/internal/domain"
)

// subscription matches either one event type, every type sharing a
// "prefix." (Subscribe("workflow.*")), or everything.
type subscription struct {
	id      uint64
	match   string
	prefix  bool
	all     bool
	handler domain.EventHandler
}

func (s subscription) matches(t domain.EventType) bool {
	switch {
	case s.all:
		return true
	case s.prefix:
		return strings.HasPrefix(string(t), s.match)
	default:
		return string(t) == s.match
	}
}

// Stats counts bus activity.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Panics      int64 `json:"panics"`
	Subscribers int   `json:"subscribers"`
}

// Bus is an in-process, goroutine-safe event bus. Each delivery runs in its
// own goroutine so slow handlers never block a workflow step.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool

	published, delivered, dropped, panics atomic.Int64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish delivers event to every matching subscriber. Publishing on a
// closed bus is counted as dropped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		b.dropped.Add(1)
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(event.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	// Handlers outlive the publishing request.
	hctx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		b.wg.Add(1)
		go b.deliver(hctx, event, sub)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, sub subscription) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"execution_id", event.ExecutionID,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
	b.delivered.Add(1)
}

// Subscribe registers a handler for one event type. A type ending in ".*"
// subscribes to the whole family. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	s := subscription{match: string(eventType), handler: handler}
	if base, ok := strings.CutSuffix(s.match, "*"); ok {
		s.match, s.prefix = base, true
	}
	return b.add(s)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(subscription{all: true, handler: handler})
}

func (b *Bus) add(s subscription) func() {
	s.id = b.nextID.Add(1)
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur.id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Panics:      b.panics.Load(),
		Subscribers: n,
	}
}

// Close stops accepting events and waits for in-flight handlers. It is
// idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
