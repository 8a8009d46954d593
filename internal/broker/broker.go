// ABOUTME: Broker abstraction over the external pub/sub and work queue backend.
// ABOUTME: Defines the Broker and Subscription interfaces and the shared error kinds.

package broker

import (
	"context"
	"errors"
)

// Broker errors
var (
	// ErrUnavailable means the broker connection is down or unreachable.
	// Callers distinguish this from per-message failures when deciding
	// whether to retry, back off, or surface an error to a client.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrClosed means the broker client has been closed.
	ErrClosed = errors.New("broker closed")
)

// Broker abstracts publish/subscribe fan-out and a blocking work queue.
// Implementations must be safe for concurrent use; the gateway shares one
// client between the relay bridge and every session handler.
type Broker interface {
	// Publish sends a payload to a pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription on a pub/sub channel. The returned
	// subscription is restartable by calling Subscribe again after a
	// connection failure.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Enqueue appends a work item to the named queue.
	Enqueue(ctx context.Context, queue string, payload []byte) error

	// Dequeue blocks until an item is available on the named queue or the
	// context is cancelled. There is no polling delay; the pop itself blocks.
	Dequeue(ctx context.Context, queue string) ([]byte, error)

	// Ping verifies connectivity to the broker.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Subscription is a stream of messages from a pub/sub channel.
type Subscription interface {
	// C yields message payloads. It is closed after a terminal error.
	C() <-chan []byte

	// Err yields the terminal error that ended the subscription, if any.
	Err() <-chan error

	// Unsubscribe cancels the subscription and frees its resources.
	Unsubscribe(ctx context.Context) error
}
