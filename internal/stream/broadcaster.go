package stream

import (
	"context"
	"sync"
)

// Broadcaster fans a stream of values out to any number of subscribers.
//
// Delivery is latest-value: a subscriber that falls behind skips intermediate
// values but never observes an older value after a newer one. Publishers are
// expected to call Publish in the order the underlying changes were applied;
// the stores guarantee this by publishing under their write lock.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber[T]
	nextID      int64
	closed      bool
}

type subscriber[T any] struct {
	mu     sync.Mutex
	stream chan T
	closed bool
}

func (s *subscriber[T]) offer(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	Offer(s.stream, value)
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stream)
	}
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subscribers: make(map[int64]*subscriber[T]),
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the context is cancelled, the cancel function is invoked, or the
// broadcaster shuts down.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	sub := &subscriber[T]{stream: make(chan T, 1)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	cancel := func() { b.unregister(id) }
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return sub.stream, cancel
}

// Publish delivers a value to every current subscriber.
func (b *Broadcaster[T]) Publish(value T) {
	b.mu.RLock()
	copies := make([]*subscriber[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()

	for _, sub := range copies {
		sub.offer(value)
	}
}

// Close drops all subscribers and closes their channels.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[int64]*subscriber[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Broadcaster[T]) unregister(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Offer places a value on a capacity-1 channel, displacing any undelivered
// older value so a slow consumer always sees the freshest state.
func Offer[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
