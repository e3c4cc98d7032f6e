// Package stream provides a hot publish/subscribe stream that replays the
// most recent value to late subscribers.
package stream

import (
	"context"
	"sync"
)

// Replay fans values out to any number of subscribers. Each subscriber
// receives values in publish order. Publish never blocks: every subscriber
// has its own queue drained by a forwarding goroutine.
type Replay[T any] struct {
	mu     sync.Mutex
	last   T
	has    bool
	closed bool
	subs   map[*subscriber[T]]struct{}
	wg     sync.WaitGroup
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	out    chan T
	quit   chan struct{}
	once   sync.Once
}

// NewReplay creates an empty stream.
func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Publish records v as the latest value and queues it for every subscriber.
// Publishing to a closed stream is a no-op.
func (r *Replay[T]) Publish(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.last, r.has = v, true
	for s := range r.subs {
		s.push(v)
	}
}

// Subscribe returns a channel that first yields the latest value, if any,
// then every subsequent one. The channel is closed when ctx is done or the
// stream is closed.
func (r *Replay[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		quit:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(s.out)
		return s.out
	}
	if r.has {
		s.push(r.last)
	}
	r.subs[s] = struct{}{}
	r.wg.Add(2)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
			r.remove(s)
		case <-s.quit:
		}
	}()
	go func() {
		defer r.wg.Done()
		s.forward()
	}()
	return s.out
}

// Latest returns the most recently published value.
func (r *Replay[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.has
}

// Subscribers returns the number of live subscriptions.
func (r *Replay[T]) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close ends every subscription and waits for the forwarding goroutines to
// exit. Values still queued for a subscriber are dropped.
func (r *Replay[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*subscriber[T]]struct{})
	r.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	r.wg.Wait()
}

func (r *Replay[T]) remove(s *subscriber[T]) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
	s.stop()
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *subscriber[T]) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.quit:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.quit:
			return
		}
	}
}
