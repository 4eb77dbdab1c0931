// Fan-out of events to any number of subscribers.

// Package notify implements a lossy multi-subscriber event channel.
package notify

import (
	"sync"
	"sync/atomic"
)

// Broadcaster delivers each sent value to every current subscriber.
//
// Each subscriber has its own buffer. A subscriber whose buffer is full
// misses the value; Send never blocks. Dropped values are counted.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	buf     int
	closed  bool
	dropped atomic.Uint64
}

// New returns a broadcaster whose subscribers buffer up to buf values.
func New[T any](buf int) *Broadcaster[T] {
	if buf < 1 {
		buf = 1
	}
	return &Broadcaster[T]{subs: make(map[uint64]chan T), buf: buf}
}

// Subscribe registers a new receiver. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
//
// Subscribing to a closed broadcaster returns an already closed channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Send delivers v to every subscriber with room in its buffer. It returns
// the number of subscribers that received it.
func (b *Broadcaster[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			n++
		default:
			b.dropped.Add(1)
		}
	}
	return n
}

// Receivers returns the number of active subscribers.
func (b *Broadcaster[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// lagging.
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Closed reports whether Close was called.
func (b *Broadcaster[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close closes every subscriber channel. Later sends are no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
