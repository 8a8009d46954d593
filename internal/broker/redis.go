// ABOUTME: Redis-backed Broker implementation using go-redis.
// ABOUTME: PUBLISH/pub-sub for broadcasts, RPUSH/BLPOP for the work queue.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis broker client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBroker implements Broker on a single go-redis client. go-redis
// pools connections internally, so one RedisBroker is safe to share
// between the relay bridge, session handlers, and workers.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker creates a Redis broker client. Pass nil logger for default.
func NewRedisBroker(opts RedisOptions, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisBroker{
		client: client,
		logger: logger.With("component", "broker"),
	}
}

// classify maps transport errors to ErrUnavailable while letting context
// cancellation pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Publish sends a payload to a pub/sub channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channel.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round trip so connection failures surface here
	// instead of on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, classify(err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		data:   make(chan []byte, 64),
		errs:   make(chan error, 1),
	}
	go sub.receive(ctx)
	return sub, nil
}

// Enqueue appends a payload to the named queue.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := b.client.RPush(ctx, queue, payload).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Dequeue blocks until an item is available on the named queue.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	// Timeout 0 blocks indefinitely; cancellation comes from ctx.
	vals, err := b.client.BLPop(ctx, 0, queue).Result()
	if err != nil {
		return nil, classify(err)
	}
	// BLPOP returns [queue, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: unexpected BLPOP reply of %d values", ErrUnavailable, len(vals))
	}
	return []byte(vals[1]), nil
}

// Ping verifies connectivity to Redis.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// redisSubscription adapts a go-redis PubSub to the Subscription interface.
type redisSubscription struct {
	pubsub *redis.PubSub
	data   chan []byte
	errs   chan error
}

// receive pumps messages from the pub/sub connection into the data channel
// until a terminal error or context cancellation.
func (s *redisSubscription) receive(ctx context.Context) {
	defer close(s.data)

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			select {
			case s.errs <- classify(err):
			default:
			}
			return
		}

		select {
		case s.data <- []byte(msg.Payload):
		case <-ctx.Done():
			select {
			case s.errs <- ctx.Err():
			default:
			}
			return
		}
	}
}

func (s *redisSubscription) C() <-chan []byte {
	return s.data
}

func (s *redisSubscription) Err() <-chan error {
	return s.errs
}

func (s *redisSubscription) Unsubscribe(ctx context.Context) error {
	return s.pubsub.Close()
}
