package positions

import (
	"sync"
	"time"

	"github.com/niftyninja9/autosentry/internal/domain"
)

// EventKind labels position lifecycle events on the in-process bus.
type EventKind string

const (
	EventAdded   EventKind = "positions.added"
	EventRemoved EventKind = "positions.removed"
)

// Event describes one position entering or leaving the active set.
type Event struct {
	Kind       EventKind
	TrackerID  string
	Instrument domain.InstrumentKey
	At         time.Time
}

// Bus is a small non-blocking fan-out for position events. Slow
// subscribers lose events rather than stalling the publisher; consumers
// treat events as wake-up hints, not as a source of truth.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given buffer. The returned
// cancel function drops the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is behind; drop.
		}
	}
}
