package view

import (
	"log/slog"
	"sync"
)

// DefaultMaxQueue is the per-subscriber frame queue length.
const DefaultMaxQueue = 32

// Subscription is one subscriber's frame queue. C is closed when the
// subscriber is dropped; the client then resubscribes for a full snapshot.
type Subscription struct {
	id int
	C  chan []byte
}

// Broadcaster fans binary frames out to subscribers. A subscriber whose
// queue is full is dropped rather than slowing the tick.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	sent   uint64
	drops  uint64
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber with the given queue length.
func (b *Broadcaster) Subscribe(queue int) *Subscription {
	if queue <= 0 {
		queue = DefaultMaxQueue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, C: make(chan []byte, queue)}
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes a subscriber and closes its queue. It is safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.C)
	}
}

// Publish queues frame on every subscriber without blocking.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		select {
		case s.C <- frame:
			b.sent++
		default:
			delete(b.subs, id)
			close(s.C)
			b.drops++
			slog.Warn("view subscriber dropped, queue full", "subscriber", id, "queue", cap(s.C))
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Counters returns frames sent and subscribers dropped.
func (b *Broadcaster) Counters() (sent, drops uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent, b.drops
}
