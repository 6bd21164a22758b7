package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 64

// Subscription receives events from a Bus until Unsubscribe is called or
// the bus is closed, after which C is closed.
type Subscription struct {
	C <-chan Event

	id      uint64
	ch      chan Event
	bus     *Bus
	filter  map[Kind]bool
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.filter) == 0 || s.filter[k]
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind loses events and has them counted instead.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	seq uint64
	now func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription), now: time.Now}
}

// Subscribe registers a subscriber with the given buffer (DefaultBuffer if
// not positive). With kinds set only those kinds are delivered.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		sub.filter = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.filter[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish stamps p with the next sequence number and the current time and
// delivers it to every interested subscriber. Numbering and delivery happen
// under one lock, so every subscriber sees increasing sequence numbers.
func (b *Bus) Publish(p Payload) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Seq:     b.seq,
		Time:    b.now(),
		Kind:    p.Kind(),
		Payload: p,
	}
	if b.closed {
		return ev
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	return ev
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
