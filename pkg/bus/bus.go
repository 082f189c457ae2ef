// Package bus provides the in-process event fabric: a topic-keyed
// publish/subscribe bus with at-most-once delivery to live subscribers.
//
// Publishing never blocks and never fails observably. Each subscriber
// owns a bounded channel; when it is full the event is dropped at that
// subscriber (not the publisher) and a lagged counter is bumped. Within
// a single topic, deliveries from a single publisher preserve publish
// order. A publish into a topic with zero subscribers is a no-op.
package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Event is a single bus message: a type tag plus a typed payload.
// See payloads.go for the payload structs used by the core.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Subscription is one subscriber's handle on a topic.
type Subscription struct {
	topic  string
	ch     chan Event
	lagged atomic.Int64
	closed atomic.Bool
}

// Topic returns the topic this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Events returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged returns the number of events dropped because the subscriber's
// channel was full.
func (s *Subscription) Lagged() int64 { return s.lagged.Load() }

// Bus is the topic-keyed event bus. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber on topic with the default buffer.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultBuffer)
}

// SubscribeBuffered registers a new subscriber with an explicit channel
// capacity. Capacity must be at least 1.
func (b *Bus) SubscribeBuffered(topic string, capacity int) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	sub := &Subscription{topic: topic, ch: make(chan Event, capacity)}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub from the bus and closes its channel.
// Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()

	close(sub.ch)
}

// Publish delivers ev to every live subscriber of topic. It never
// blocks: a full subscriber channel drops the event at that subscriber.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
