package server

import (
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
)

const (
	defaultMaxEvents  = 500
	subscriberBacklog = 64
)

// EventBus keeps recent job events for polling clients and fans them out to
// live subscribers. Sequence numbers are global across jobs.
type EventBus struct {
	mu          sync.RWMutex
	nextSeq     int64
	maxEvents   int
	events      []domain.Event
	subscribers map[chan domain.Event]struct{}
}

func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &EventBus{
		maxEvents:   maxEvents,
		events:      make([]domain.Event, 0, maxEvents),
		subscribers: make(map[chan domain.Event]struct{}),
	}
}

// Publish assigns the next sequence number and stores the event. A
// subscriber whose channel is full misses the event but can catch up with
// Since.
func (b *EventBus) Publish(event domain.Event) domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]domain.Event(nil), b.events[trim:]...)
	}

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Since returns stored events with a sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sinceLocked(seq)
}

func (b *EventBus) sinceLocked(seq int64) []domain.Event {
	out := make([]domain.Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe returns the backlog after seq and a channel of later events.
// The returned func must be called to release the subscription.
func (b *EventBus) Subscribe(seq int64) ([]domain.Event, <-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, subscriberBacklog)
	b.subscribers[ch] = struct{}{}
	backlog := b.sinceLocked(seq)

	var once sync.Once
	return backlog, ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
		})
	}
}
