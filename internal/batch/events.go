package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// EventType identifies coordinator events.
type EventType string

const (
	// EventRecordUpdated carries a record snapshot after every persisted change.
	EventRecordUpdated EventType = "record_updated"
	// EventOwnerSettled fires when an owner has no scheduled executions left.
	EventOwnerSettled EventType = "owner_settled"
)

// Event is published to subscribers. Record is nil for EventOwnerSettled.
type Event struct {
	Type    EventType         `json:"type"`
	OwnerID uuid.UUID         `json:"owner_id"`
	Record  *models.JobRecord `json:"record,omitempty"`
	At      time.Time         `json:"at"`
}

const subscriberBuffer = 256

// broadcaster fans events out to subscribers without blocking the publisher.
// A subscriber whose buffer is full misses events.
type broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broadcaster) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// settleQueue delivers owner_settled events to one reader without dropping
// any: push never blocks and events wait in memory until they are read.
type settleQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	done   chan struct{}
	out    chan Event
}

func newSettleQueue() *settleQueue {
	q := &settleQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go q.pump()
	return q
}

func (q *settleQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *settleQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
}

func (q *settleQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
			case <-q.done:
			}
			continue
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.done:
			return
		}
	}
}
