// Package bus provides the in-process publish/subscribe channel that
// decouples transport adapters from the ingestion, delivery and call
// components, and carries fire-and-forget notifications to the UI layer.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to subscribers whose namespace is a prefix of the
// event kind. Publish never blocks: a subscriber with a full channel
// misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every matching subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if strings.HasPrefix(evt.Kind, s.prefix) {
			select {
			case s.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers interest in kinds starting with prefix. The
// returned cancel func removes the subscription; the channel is never
// closed, so a drained subscriber simply stops receiving.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
