// Package broker fans out notifications to any number of subscribers.
package broker

import (
	"sync"
)

// Broker implements a non-blocking fan-out pub/sub.
// Slow subscribers silently drop messages to avoid blocking the publisher.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[int]chan T
	nextID      int
	bufSize     int
}

func New[T any](bufSize int) *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[int]chan T),
		bufSize:     bufSize,
	}
}

// Subscribe returns a channel that receives published messages
// and an unsubscribe function. The unsubscribe function is idempotent.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan T, b.bufSize)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
}

// Publish sends v to all subscribers.
// If a subscriber's buffer is full, v is dropped for that subscriber.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			// buffer full; drop for this subscriber
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers)
}
