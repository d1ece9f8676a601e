package authpipe

import (
	"sync"
)

// broadcaster fans events out to any number of subscribers.
// Sends never block: a subscriber whose buffer is full misses the event.
type broadcaster[T any] struct {
	name   string
	logger Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
	closed bool
}

func newBroadcaster[T any](name string, logger Logger) *broadcaster[T] {
	return &broadcaster[T]{
		name:   name,
		logger: logger,
		subs:   make(map[int]chan T),
	}
}

// subscribe registers a new listener. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *broadcaster[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster[T]) publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Subscriber buffer full, event dropped", "stream", b.name, "subscriber", id)
		}
	}
}

func (b *broadcaster[T]) close() {
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
