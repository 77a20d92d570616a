package coord

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("coord: bus closed")

// Bus fans messages out to every subscribed context. Delivery to the sender
// is allowed; the Coordinator drops its own messages.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(h Handler) (cancel func(), err error)
	Close() error
}

const subscriberBuffer = 256

type subscriber struct {
	ch       chan Message
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// MemoryBus is an in-process hub. Each subscriber gets its own delivery
// goroutine so a slow handler never blocks publishers of other contexts.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewMemoryBus returns an open MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*subscriber)}
}

func (b *MemoryBus) Publish(ctx context.Context, m Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		select {
		case s.ch <- m:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &subscriber{ch: make(chan Message, subscriberBuffer), done: make(chan struct{})}
	id := b.nextID
	b.nextID++
	b.subs[id] = s

	go func() {
		for {
			select {
			case m := <-s.ch:
				h(m)
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		// unblocks any publisher waiting on this subscriber
		s.stop()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
	return nil
}
