package bus

import (
	"log"
	"sync"

	"github.com/haricheung/agrimind/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable event bus. Every session change is published through it.
// The Auditor receives a read-only tap channel for every event published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.EventType][]chan types.Event
	all         map[chan types.Event]struct{}
	tapCh       chan types.Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.EventType][]chan types.Event),
		all:         make(map[chan types.Event]struct{}),
		tapCh:       make(chan types.Event, tapBufSize),
	}
}

// Publish fans out ev to all subscribers of ev.Type, to every catch-all subscriber, and to the tap.
// Non-blocking: if a subscriber's channel is full, the event is dropped with a warning.
// Safe to call on a nil *Bus.
func (b *Bus) Publish(ev types.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for type=%s run=%s; event dropped", ev.Type, ev.RunID)
		}
	}
	for ch := range b.all {
		select {
		case ch <- ev:
		default:
			log.Printf("[BUS] WARNING: stream channel full; event dropped type=%s", ev.Type)
		}
	}

	// Send to tap (auditor). Non-blocking to avoid auditor backpressure stalling the bus.
	select {
	case b.tapCh <- ev:
	default:
		log.Printf("[BUS] WARNING: tap channel full; audit event dropped type=%s", ev.Type)
	}
}

// Subscribe returns a receive-only channel that delivers events of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.EventType) <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a channel that delivers every event regardless of type.
// Callers that stop reading must call Unsubscribe.
func (b *Bus) SubscribeAll() chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.all[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by SubscribeAll.
// Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.all[ch]; !ok {
		return
	}
	delete(b.all, ch)
	close(ch)
}

// Tap returns the read-only tap channel for the Auditor.
// Only one consumer should call this; calling it multiple times returns the same channel.
func (b *Bus) Tap() <-chan types.Event {
	return b.tapCh
}
