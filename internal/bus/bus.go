// Package bus implements the in-process pub/sub event bus that connects
// the pipeline components. Topics are strings, payloads are the types
// from pkg/types, and delivery is synchronous: Publish invokes every
// handler in subscription order before returning, so events published
// by one component are fully observed downstream before its next
// publish. A panicking or erroring handler never takes the bus down.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/metrics"
)

// Handler receives every payload published on a subscribed topic.
// Handlers must treat the payload as read-only.
type Handler func(ctx context.Context, payload any) error

// Subscription identifies one registered handler. Cancel detaches it;
// cancelling twice is a no-op.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
}

// Cancel removes the handler from its topic.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.topic, s.id)
	s.bus = nil
}

type entry struct {
	id uint64
	fn Handler
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string][]entry
	nextID   uint64
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:   logger.With("component", "bus"),
		handlers: make(map[string][]entry),
	}
}

// Subscribe registers fn for every future publish on topic. The handler
// set is snapshotted per publish, so subscribing from inside a handler
// takes effect on the next event.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], entry{id: b.nextID, fn: fn})
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

// Publish delivers payload to every handler subscribed to topic, in
// subscription order. Handler errors are logged and swallowed: one bad
// subscriber must not starve the rest or the publisher.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.Lock()
	snapshot := make([]entry, len(b.handlers[topic]))
	copy(snapshot, b.handlers[topic])
	b.mu.Unlock()

	metrics.IncBusEvent(topic)

	for _, e := range snapshot {
		if err := b.invoke(ctx, e.fn, payload); err != nil {
			b.logger.Error("handler failed", "topic", topic, "error", err)
		}
	}
}

// invoke runs one handler, converting a panic into an error so a broken
// subscriber cannot crash the publisher.
func (b *Bus) invoke(ctx context.Context, fn Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, payload)
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[topic]
	for i, e := range entries {
		if e.id == id {
			b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
}

// SubscriberCount reports the number of handlers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[topic])
}
