// ABOUTME: In-process Broker implementation with the same semantics as Redis.
// ABOUTME: Used as a test double by the gateway, relay, and worker tests.

package broker

import (
	"context"
	"sync"
)

// MemoryBroker implements Broker in process. Pub/sub fan-out and the
// blocking queue behave like the Redis implementation, which makes it a
// drop-in double for tests.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	queues map[string]chan []byte
	err    error
	closed bool
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]chan []byte),
	}
}

// SetErr makes every subsequent operation fail with err, simulating a
// broker outage. Pass nil to restore service.
func (b *MemoryBroker) SetErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *MemoryBroker) check() error {
	if b.closed {
		return ErrClosed
	}
	return b.err
}

// Publish delivers the payload to every live subscription on the channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(); err != nil {
		return err
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub.data <- payload:
		default:
			// Slow test subscriber; drop like a full pub/sub buffer would.
		}
	}
	return nil
}

// Subscribe opens a subscription on the channel.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		data:    make(chan []byte, 64),
		errs:    make(chan error, 1),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Enqueue appends a payload to the named queue.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	if err := b.check(); err != nil {
		b.mu.Unlock()
		return err
	}
	q := b.queue(queue)
	b.mu.Unlock()

	select {
	case q <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available or the context is cancelled.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	b.mu.Lock()
	if err := b.check(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	q := b.queue(queue)
	b.mu.Unlock()

	select {
	case payload := <-q:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queue returns the channel backing the named queue. Must be called with
// mu held.
func (b *MemoryBroker) queue(name string) chan []byte {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, 256)
		b.queues[name] = q
	}
	return q
}

// SubscriberCount reports live subscriptions on a channel. Tests use it to
// wait for a consumer to come up before publishing.
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Ping reports the simulated outage state.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check()
}

// FailSubscriptions terminates every live subscription with err, simulating
// a dropped pub/sub connection.
func (b *MemoryBroker) FailSubscriptions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, subs := range b.subs {
		for _, sub := range subs {
			sub.fail(err)
		}
		delete(b.subs, channel)
	}
}

// Close terminates all subscriptions and marks the broker closed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for channel, subs := range b.subs {
		for _, sub := range subs {
			sub.fail(ErrClosed)
		}
		delete(b.subs, channel)
	}
	return nil
}

// memorySubscription is a channel-backed Subscription.
type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	data    chan []byte
	errs    chan error
	once    sync.Once
}

func (s *memorySubscription) fail(err error) {
	s.once.Do(func() {
		select {
		case s.errs <- err:
		default:
		}
		close(s.data)
	})
}

func (s *memorySubscription) C() <-chan []byte {
	return s.data
}

func (s *memorySubscription) Err() <-chan error {
	return s.errs
}

func (s *memorySubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	subs := b.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.channel]) == 0 {
		delete(b.subs, s.channel)
	}
	b.mu.Unlock()

	s.once.Do(func() {
		close(s.data)
	})
	return nil
}
