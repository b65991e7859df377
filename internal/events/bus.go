package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultBuffer = 256

// Publisher is what tasks emit into.
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to independent subscribers without ever blocking the
// publisher. Progress events are dropped for a subscriber whose buffer is
// full; any other event that does not fit detaches the subscriber and closes
// its channel, so a consumer that falls behind learns it lost events instead
// of stalling every task.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of events and a function that detaches it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.detachLocked(id)
	}
}

func (b *Bus) detachLocked(id int) {
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			if ev.Type == TypeProgress {
				log.Debug().Str("op", "events/bus").Msgf("Dropped progress event for %s", ev.ID)
				continue
			}
			log.Warn().Str("op", "events/bus").Msgf("Subscriber %d fell behind on %s events, detaching", id, ev.Type)
			b.detachLocked(id)
		}
	}
}

// Close detaches every subscriber; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id := range b.subs {
		b.detachLocked(id)
	}
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard drops everything.
var Discard Publisher = PublisherFunc(func(Event) {})
