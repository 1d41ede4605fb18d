package taskwire

import (
	"context"
	"sync"
)

// InMemoryChannel is an in-process completion channel. Useful for tests and
// single-process setups. Delivery is asynchronous, like a real transport.
type InMemoryChannel struct {
	mu     sync.Mutex
	subs   map[int]func(string)
	nextID int
	closed bool
}

func NewInMemoryChannel() *InMemoryChannel {
	return &InMemoryChannel{
		subs: make(map[int]func(string)),
	}
}

func (c *InMemoryChannel) Publish(ctx context.Context, taskID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	handlers := make([]func(string), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		go h(taskID)
	}
	return nil
}

func (c *InMemoryChannel) Subscribe(handler func(taskID string)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = handler
	return &memorySubscription{ch: c, id: id}, nil
}

// Close drops all subscriptions and rejects further publishes.
func (c *InMemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[int]func(string))
	return nil
}

type memorySubscription struct {
	ch *InMemoryChannel
	id int
}

func (s *memorySubscription) Unsubscribe() error {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	delete(s.ch.subs, s.id)
	return nil
}
