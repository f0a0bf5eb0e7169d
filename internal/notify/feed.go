// Package notify broadcasts the orchestrator's output to any number of subscribers.
package notify

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe gets a non-positive size.
const DefaultBuffer = 256

// Feed is an append-only, multi-subscriber broadcast of T values.
// Publish never blocks: a subscriber whose buffer is full misses the value.
type Feed[T any] struct {
	name   string
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func NewFeed[T any](name string) *Feed[T] {
	return &Feed[T]{name: name, subs: make(map[int]chan T)}
}

// Subscribe returns a channel of future values and a function that detaches it.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	for id, ch := range f.subs {
		select {
		case ch <- value:
		default:
			slog.Warn("notification dropped, subscriber is full", "feed", f.name, "subscriber", id)
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
