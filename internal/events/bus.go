// Package events provides a non-blocking publish/subscribe bus. Each
// subscriber gets a buffered channel drained by its own goroutine; a
// full buffer drops events rather than blocking the publisher, and a
// panicking subscriber cannot disrupt delivery to the others.
package events

import "sync"

const defaultBufferSize = 100

// Bus delivers values of one event type to all subscribers.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[int]chan T
	nextSub     int
	bufferSize  int
	closed      bool
}

func NewBus[T any](bufferSize int) *Bus[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus[T]{
		subscribers: make(map[int]chan T),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn and starts its delivery goroutine. The returned
// function unsubscribes and stops the goroutine.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan T, b.bufferSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	go func() {
		for ev := range ch {
			deliver(fn, ev)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish sends the event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than block the engine.
		}
	}
}

// Close tears down all subscriptions. Further publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func deliver[T any](fn func(T), ev T) {
	defer func() {
		// A panicking subscriber must not break the delivery goroutine.
		_ = recover()
	}()
	fn(ev)
}
