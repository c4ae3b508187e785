package sse

import (
	"encoding/json"
	"sync"

	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

const DefaultQueueSize = 64

// Event is one message on the stream. Data must be JSON-marshalable.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MarshalData returns the event payload as JSON for wire framing.
func (e Event) MarshalData() ([]byte, error) {
	return json.Marshal(e.Data)
}

// Subscription is one subscriber's bounded queue. The channel is closed as
// the end-of-stream sentinel on shutdown or unsubscribe.
type Subscription struct {
	id uint64
	ch chan Event
}

// Events is the queue to drain from.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Broadcaster fans events out to per-subscriber bounded queues. Publish
// never blocks: a full queue drops its oldest event. There is no buffering
// for future subscribers; a late joiner sees no back-history.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool
	log       *logger.Logger
}

func NewBroadcaster(queueSize int, baseLog *logger.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		log:       baseLog.With("component", "broadcaster"),
	}
}

// Subscribe registers a new queue. After Shutdown it returns an already
// closed subscription so callers see an immediate end-of-stream.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan Event, b.queueSize)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes and closes a subscription. Idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish enqueues on every current subscriber. Zero subscribers is a no-op.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest, then retry once. The producer is
		// never held hostage by a slow subscriber.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("dropped event for slow subscriber", "event_type", ev.Type)
		}
	}
}

// Shutdown closes every subscriber queue and clears the registry. Idempotent.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount reports the live subscriber total.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
