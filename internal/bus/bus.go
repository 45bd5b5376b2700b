// Package bus delivers responses from the popup UI to the flow waiting on them.
package bus

import "sync"

// Bus routes messages to one-shot subscribers keyed by request id.
type Bus[T any] struct {
	keyOf func(T) string

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan T
}

// New creates a bus that routes each message by keyOf(msg).
func New[T any](keyOf func(T) string) *Bus[T] {
	return &Bus[T]{
		keyOf: keyOf,
		subs:  make(map[string]map[uint64]chan T),
	}
}

// SubscribeOnce registers for the first message published under key.
// The channel receives at most one value and is never closed. cancel is safe
// to call more than once and after delivery.
func (b *Bus[T]) SubscribeOnce(key string) (<-chan T, func()) {
	ch := make(chan T, 1)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	listeners := b.subs[key]
	if listeners == nil {
		listeners = make(map[uint64]chan T)
		b.subs[key] = listeners
	}
	listeners[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(key, id)
	}
	return ch, cancel
}

// Publish hands msg to every subscriber of its key and removes them.
// It returns how many subscribers received it; zero means nobody was waiting.
func (b *Bus[T]) Publish(msg T) int {
	if b == nil {
		return 0
	}
	key := b.keyOf(msg)

	b.mu.Lock()
	defer b.mu.Unlock()

	listeners := b.subs[key]
	n := 0
	for id, ch := range listeners {
		select {
		case ch <- msg:
			n++
		default:
		}
		b.removeLocked(key, id)
	}
	return n
}

// Pending reports how many subscribers wait on key.
func (b *Bus[T]) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

func (b *Bus[T]) removeLocked(key string, id uint64) {
	listeners := b.subs[key]
	if listeners == nil {
		return
	}
	delete(listeners, id)
	if len(listeners) == 0 {
		delete(b.subs, key)
	}
}
