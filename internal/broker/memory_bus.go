package broker

import (
	"context"
	"sync"
)

const memoryBufferSize = 1024

// MemoryBus is an in-process Bus. Several brokers sharing one MemoryBus
// behave like processes sharing a Redis.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs {
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		bus:    b,
		ch:     make(chan Envelope, memoryBufferSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.exited)
		for {
			select {
			case env := <-sub.ch:
				handler(env)
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memorySubscription struct {
	bus    *MemoryBus
	ch     chan Envelope
	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		<-s.exited
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
