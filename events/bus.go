package events

import (
	"sync"

	"github.com/bsv-infra/p2pcore/errs"
)

// ControlBus is a bounded, multi-producer/multi-subscriber broadcast of
// ControlEvent (§4.8). It is grounded on server.go's fan-out of newPeers/
// donePeers/query notifications to multiple interested goroutines, widened
// here into an explicit subscribe/publish primitive using only channels and
// sync.Mutex — no third-party broker is warranted for a single-process,
// non-durable event stream (see DESIGN.md).
//
// Each subscriber gets its own bounded channel of Capacity. A slow
// subscriber does not block publishers or other subscribers: once its
// channel is full, the oldest queued event is dropped to make room for the
// new one (drop-oldest). Subscribers that attach after an event was
// published never see it — there is no historical replay. A subscriber
// that loses events this way is informed of it: its next delivery is
// preceded by a synthesized EventsDropped event carrying the miss count,
// per §4.8.
type ControlBus struct {
	mtx     sync.Mutex
	subs    map[int]chan ControlEvent
	dropped map[int]int
	next    int
}

// NewControlBus constructs an empty bus.
func NewControlBus() *ControlBus {
	return &ControlBus{
		subs:    make(map[int]chan ControlEvent),
		dropped: make(map[int]int),
	}
}

// Subscribe registers a new listener and returns its event channel along
// with an unsubscribe function. The returned channel is never closed by
// Unsubscribe while a Publish may be concurrently in flight for it; callers
// should simply stop reading once unsubscribed.
func (b *ControlBus) Subscribe() (<-chan ControlEvent, func()) {
	ch := make(chan ControlEvent, Capacity)

	b.mtx.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mtx.Unlock()

	unsub := func() {
		b.mtx.Lock()
		delete(b.subs, id)
		delete(b.dropped, id)
		b.mtx.Unlock()
	}
	return ch, unsub
}

// Publish broadcasts ev to every current subscriber, applying drop-oldest
// backpressure per subscriber.
func (b *ControlBus) Publish(ev ControlEvent) {
	b.mtx.Lock()
	type target struct {
		id int
		ch chan ControlEvent
	}
	targets := make([]target, 0, len(b.subs))
	for id, ch := range b.subs {
		targets = append(targets, target{id, ch})
	}
	b.mtx.Unlock()

	for _, t := range targets {
		b.deliver(t.id, t.ch, ev)
	}
}

// deliver sends ev to the subscriber identified by id, first flushing any
// EventsDropped sentinel owed to it from an earlier overflow so the
// subscriber is informed before normal delivery resumes (§4.8).
func (b *ControlBus) deliver(id int, ch chan ControlEvent, ev ControlEvent) {
	b.mtx.Lock()
	owed := b.dropped[id]
	if owed > 0 {
		b.dropped[id] = 0
	}
	b.mtx.Unlock()

	if owed > 0 {
		sentinel := ControlEvent{Kind: EventsDropped, Reason: errs.ErrEventsDropped, DroppedCount: owed}
		if publishDropOldest(ch, sentinel) {
			b.recordDrop(id)
		}
	}
	if publishDropOldest(ch, ev) {
		b.recordDrop(id)
	}
}

func (b *ControlBus) recordDrop(id int) {
	b.mtx.Lock()
	b.dropped[id]++
	b.mtx.Unlock()
}

// publishDropOldest sends ev on ch, evicting the oldest queued event first
// if ch is already full. Reports whether an eviction occurred.
func publishDropOldest(ch chan ControlEvent, ev ControlEvent) (evicted bool) {
	for {
		select {
		case ch <- ev:
			return evicted
		default:
		}
		select {
		case <-ch:
			evicted = true
		default:
		}
	}
}

// MessageBus is the BitcoinMessageEvent analogue of ControlBus, kept as a
// distinct type since its payload and subscribers differ (§4.8 describes
// the two streams as conceptually separate, even though the mechanics are
// identical).
type MessageBus struct {
	mtx     sync.Mutex
	subs    map[int]chan BitcoinMessageEvent
	dropped map[int]int
	next    int
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		subs:    make(map[int]chan BitcoinMessageEvent),
		dropped: make(map[int]int),
	}
}

func (b *MessageBus) Subscribe() (<-chan BitcoinMessageEvent, func()) {
	ch := make(chan BitcoinMessageEvent, Capacity)

	b.mtx.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mtx.Unlock()

	unsub := func() {
		b.mtx.Lock()
		delete(b.subs, id)
		delete(b.dropped, id)
		b.mtx.Unlock()
	}
	return ch, unsub
}

func (b *MessageBus) Publish(ev BitcoinMessageEvent) {
	b.mtx.Lock()
	type target struct {
		id int
		ch chan BitcoinMessageEvent
	}
	targets := make([]target, 0, len(b.subs))
	for id, ch := range b.subs {
		targets = append(targets, target{id, ch})
	}
	b.mtx.Unlock()

	for _, t := range targets {
		b.deliverMessage(t.id, t.ch, ev)
	}
}

// deliverMessage mirrors ControlBus.deliver's EventsDropped-sentinel
// injection for the message stream (§4.8 names both streams as subject to
// the same overflow-notification rule).
func (b *MessageBus) deliverMessage(id int, ch chan BitcoinMessageEvent, ev BitcoinMessageEvent) {
	b.mtx.Lock()
	owed := b.dropped[id]
	if owed > 0 {
		b.dropped[id] = 0
	}
	b.mtx.Unlock()

	if owed > 0 {
		sentinel := BitcoinMessageEvent{PeerID: ev.PeerID, DroppedCount: owed}
		if publishMessageDropOldest(ch, sentinel) {
			b.recordDrop(id)
		}
	}
	if publishMessageDropOldest(ch, ev) {
		b.recordDrop(id)
	}
}

func (b *MessageBus) recordDrop(id int) {
	b.mtx.Lock()
	b.dropped[id]++
	b.mtx.Unlock()
}

func publishMessageDropOldest(ch chan BitcoinMessageEvent, ev BitcoinMessageEvent) (evicted bool) {
	for {
		select {
		case ch <- ev:
			return evicted
		default:
		}
		select {
		case <-ch:
			evicted = true
		default:
		}
	}
}
