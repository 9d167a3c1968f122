package gateway

import (
	"log/slog"
	"sync"

	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

type localSub struct {
	id string
	fn func(protocol.Frame)
}

// EventBus fans events out by topic, where a topic is the
// (source, event) pair. Socket subscribers are the registered services
// whose registration listed the topic; in-process components subscribe
// with SubscribeLocal. Sequence numbers are per source and assigned
// under the bus lock, so a single subscriber sees strictly increasing
// seq per topic.
type EventBus struct {
	mu       sync.Mutex
	registry *Registry
	seq      map[string]uint64
	local    map[string][]localSub
	log      *slog.Logger
}

func NewEventBus(registry *Registry) *EventBus {
	return &EventBus{
		registry: registry,
		seq:      make(map[string]uint64),
		local:    make(map[string][]localSub),
		log:      logging.Scoped("gateway"),
	}
}

// Publish assigns the next seq for the source and fans the event out
// to every declared subscriber. A socket whose outbound queue is full
// is dropped with BACKPRESSURE instead of blocking the publisher.
func (b *EventBus) Publish(source, event string, payload interface{}) {
	frame, err := protocol.NewEvent(source, event, payload)
	if err != nil {
		b.log.Warn("event payload not serializable", "source", source, "event", event, "error", err)
		return
	}
	topic := protocol.Topic(source, event)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[source]++
	frame.Seq = b.seq[source]

	for _, conn := range b.registry.Subscribers(topic) {
		if err := conn.Enqueue(frame); err != nil {
			b.log.Warn("subscriber dropped", "topic", topic, "service", conn.Service(), "error", err)
		}
	}
	for _, sub := range b.local[topic] {
		sub.fn(*frame)
	}
}

// SubscribeLocal delivers matching events to an in-process handler and
// returns a cancel function. The handler runs under the bus lock: it
// must return quickly and must not publish; hand long work off to a
// goroutine.
func (b *EventBus) SubscribeLocal(id string, topics []string, fn func(protocol.Frame)) func() {
	b.mu.Lock()
	for _, topic := range topics {
		b.local[topic] = append(b.local[topic], localSub{id: id, fn: fn})
	}
	b.mu.Unlock()

	return func() { b.unsubscribe(id) }
}

func (b *EventBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.local {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.id != id {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(b.local, topic)
		} else {
			b.local[topic] = kept
		}
	}
}

// Seq reports the last sequence number assigned for a source.
func (b *EventBus) Seq(source string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[source]
}
