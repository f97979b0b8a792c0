// Package feed implements cancellable push subscriptions.  A Broadcaster
// fans values out to any number of subscribers.  Each subscriber has a
// one-slot buffer with latest-wins semantics: a slow reader never blocks
// the publisher, it simply sees the newest value when it catches up.
// After Close returns, a subscription delivers nothing further.
package feed

import (
	"context"
	"sync"
)

// Subscription is a handle on a stream of values of type T.
type Subscription[T any] struct {
	ch     chan T
	filter func(T) bool
	once   sync.Once
	stop   func()
	done   chan struct{}
}

// C returns the delivery channel.  It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done is closed once the subscription has been cancelled.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Close cancels the subscription and releases its resources.  It is safe to
// call more than once and from any goroutine.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.stop()
		close(s.done)
	})
}

// Broadcaster delivers published values to every live subscription.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscription that lives until Close is called or
// ctx is cancelled.  filter may be nil; when set, only values it accepts
// are delivered.  seed, when non-nil, is delivered before any published
// value.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, filter func(T) bool, seed *T) *Subscription[T] {
	s := &Subscription[T]{
		ch:     make(chan T, 1),
		filter: filter,
		done:   make(chan struct{}),
	}
	s.stop = func() { b.remove(s) }

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop = func() { close(s.ch) }
		s.Close()
		return s
	}
	b.subs[s] = struct{}{}
	if seed != nil {
		s.ch <- *seed
	}
	b.mu.Unlock()

	stopAfter := context.AfterFunc(ctx, s.Close)
	go func() {
		<-s.done
		stopAfter()
	}()
	return s
}

// Publish hands v to every subscription whose filter accepts it.  A value
// still waiting in a subscriber's buffer is replaced.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.filter != nil && !s.filter(v) {
			continue
		}
		select {
		case <-s.ch:
		default:
		}
		s.ch <- v
	}
}

// Len reports the number of live subscriptions.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	// Drop anything still buffered so nothing is read after Close.
	select {
	case <-s.ch:
	default:
	}
	close(s.ch)
}
