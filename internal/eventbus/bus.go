// Package eventbus implements the gateway's event fan-out.
//
// Subscribers register a callback and get their own bounded delivery queue
// so a slow subscriber can never block delivery to others. The subscriber
// list itself is copy-on-write: Publish iterates a snapshot taken under a
// short lock, then delivers outside the lock.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"nuvogw/internal/model"
)

// DefaultQueueDepth is the per-subscriber buffered queue size.
const DefaultQueueDepth = 256

// Callback is invoked for each delivered event. It may do async work and
// return a "done" channel; the bus waits on it before delivering the next
// event to this same subscriber, but never blocks delivery to other
// subscribers while waiting.
type Callback func(model.StateChangeEvent) <-chan struct{}

// Handle identifies a subscription so it can be later removed.
type Handle string

var closedChan = func() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// SyncCallback adapts a plain synchronous callback into a Callback.
func SyncCallback(fn func(model.StateChangeEvent)) Callback {
	return func(ev model.StateChangeEvent) <-chan struct{} {
		fn(ev)
		return closedChan
	}
}

type subscriber struct {
	handle Handle
	queue  chan model.StateChangeEvent
	drops  uint64
	mu     sync.Mutex // guards drops; queue itself only needs atomic-ish care via select/default
	done   chan struct{}
}

// Bus is the event fan-out. Zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Handle]*subscriber
	callbacks   map[Handle]Callback
	queueDepth  int
}

// New returns a ready Bus with the given per-subscriber queue depth.
// depth <= 0 uses DefaultQueueDepth.
func New(depth int) *Bus {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Bus{
		subscribers: make(map[Handle]*subscriber),
		callbacks:   make(map[Handle]Callback),
		queueDepth:  depth,
	}
}

// Subscribe registers cb and starts its dedicated delivery goroutine.
// Delivery to cb is FIFO in the order Publish was called.
func (b *Bus) Subscribe(cb Callback) Handle {
	h := Handle(uuid.NewString())
	sub := &subscriber{
		handle: h,
		queue:  make(chan model.StateChangeEvent, b.queueDepth),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[h] = sub
	b.callbacks[h] = cb
	b.mu.Unlock()

	go b.deliverLoop(sub, cb)
	return h
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subscribers[h]
	delete(b.subscribers, h)
	delete(b.callbacks, h)
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Clear removes all subscribers.
func (b *Bus) Clear() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[Handle]*subscriber)
	b.callbacks = make(map[Handle]Callback)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
}

// Drops returns the number of events dropped for h due to queue overflow.
func (b *Bus) Drops(h Handle) uint64 {
	b.mu.RLock()
	sub, ok := b.subscribers[h]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.drops
}

// Publish delivers ev to every current subscriber's queue. A full queue has
// its oldest pending event dropped to make room. Publish never blocks: it
// does not wait on a subscriber's callback, and the queue sends are
// non-blocking, which is why overflow drops rather than blocks.
func (b *Bus) Publish(ev model.StateChangeEvent) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		enqueue(sub, ev)
	}
}

func enqueue(sub *subscriber, ev model.StateChangeEvent) {
	select {
	case sub.queue <- ev:
		return
	default:
	}
	// Queue full: drop the oldest pending event for this subscriber, then retry.
	select {
	case <-sub.queue:
		sub.mu.Lock()
		sub.drops++
		sub.mu.Unlock()
	default:
	}
	select {
	case sub.queue <- ev:
	default:
		// Another goroutine filled it again; drop ev rather than spin, and
		// count it in drops.
		sub.mu.Lock()
		sub.drops++
		sub.mu.Unlock()
	}
}

// deliverLoop is the subscriber's dedicated goroutine: it pulls events off
// its queue in order and invokes cb, awaiting cb's returned done channel
// before taking the next event, isolating this subscriber's pace from every
// other subscriber. A panicking callback is recovered and logged so it
// cannot take down the read loop feeding the bus.
func (b *Bus) deliverLoop(sub *subscriber, cb Callback) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			invoke(cb, ev, sub.done)
		}
	}
}

func invoke(cb Callback, ev model.StateChangeEvent, done <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus subscriber panicked", "recover", r, "target", ev.Target, "property", ev.Property)
		}
	}()
	fut := cb(ev)
	if fut == nil {
		return
	}
	select {
	case <-fut:
	case <-done:
	}
}
