// Package eventbus is the typed pub/sub the core publishes domain events
// on (C11): cache invalidation, provider lifecycle, run lifecycle,
// metrics, migration progress. Grounded on the teacher's broadcast
// channel registry in internal/server/channel.go — a ulid-keyed map of
// buffered channels under a mutex and a non-blocking send, generalized
// from one untyped MessageChannel to domain.Event. A subscriber whose
// buffer is full misses that event (counted in Dropped) and stays
// registered. There is no replay of past events: a subscriber receives
// only events published after it subscribes.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/logi"

	"github.com/kestrelci/pipeforge/internal/domain"
)

// DefaultBufferSize is the per-subscriber channel capacity before a
// publish starts dropping events for that subscriber.
const DefaultBufferSize = 64

// Bus is a fan-out publisher: every Publish call is delivered to every
// current Subscribe channel, non-blocking. A slow subscriber loses
// events rather than stalling the publisher (spec.md §5 Backpressure:
// "Event-bus subscribers that fall behind may drop events").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan domain.Event
	bufferSize  int

	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan domain.Event),
		bufferSize:  DefaultBufferSize,
	}
}

// Subscribe registers a new buffered channel and returns it along with an
// opaque key; pass the key to Unsubscribe when done.
func (b *Bus) Subscribe() (string, <-chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := ulid.Make().String()
	ch := make(chan domain.Event, b.bufferSize)
	b.subscribers[key] = ch
	return key, ch
}

// Unsubscribe removes and closes the subscriber's channel.
func (b *Bus) Unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[key]; ok {
		close(ch)
		delete(b.subscribers, key)
	}
}

// Publish delivers evt to every current subscriber. A subscriber whose
// buffer is full is skipped for this event (its channel stays open; it
// simply misses this one), never blocking the publisher and never
// dropping the subscriber itself.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for key, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			logi.Default().Warn("eventbus: subscriber buffer full, dropping event", "subscriber", key, "event_type", evt.Type)
		}
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped reports the cumulative count of events dropped because a
// subscriber's buffer was full, for diagnostics/metrics.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
