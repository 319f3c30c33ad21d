// Package bus implements the process-wide in-memory event bus. Every emitted
// event carries a monotonically increasing sequence number that the realtime
// layers (chat WS, SSE) use for replay and resume.
package bus

import (
	"sync"
	"time"

	"github.com/adjutant/adjutant/internal/metrics"
)

// Event is a sequenced bus event. Payload is opaque to the bus.
type Event struct {
	Seq     uint64
	TS      time.Time
	Kind    string
	Payload any
}

// Filter decides whether a subscription receives events of the given kind.
// A nil filter receives everything.
type Filter func(kind string) bool

// Subscription is a registered event consumer. Events are delivered on a
// buffered channel; a consumer that falls 256 events behind has events
// dropped rather than blocking publishers. Dropped consumers catch up via
// the chat replay buffer or SSE Last-Event-ID.
type Subscription struct {
	ch     chan Event
	filter Filter
}

// C returns the channel on which events are delivered.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Bus is a single-writer-at-a-time publisher. The emit lock covers both
// sequence assignment and dispatch, so every subscriber observes events in
// strictly increasing seq order.
type Bus struct {
	mu   sync.Mutex
	seq  uint64
	subs []*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Emit assigns the next sequence number, timestamps the event, and dispatches
// it to all subscribers in registration order. Never blocks on a slow
// subscriber. Returns the assigned sequence.
func (b *Bus) Emit(kind string, payload any) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Seq:     b.seq,
		TS:      time.Now(),
		Kind:    kind,
		Payload: payload,
	}

	for _, s := range b.subs {
		if s.filter != nil && !s.filter(kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Subscriber buffer full -- drop rather than block the publisher.
		}
	}

	metrics.BusEventsTotal.WithLabelValues(kind).Inc()
	return ev.Seq
}

// Subscribe registers a new subscription. Pass nil to receive all events.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		ch:     make(chan Event, 256),
		filter: filter,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
	return s
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// multiple times.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// CurrentSeq returns the last assigned sequence number.
func (b *Bus) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
