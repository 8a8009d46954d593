// ABOUTME: Relay bridge that consumes broker broadcasts and routes them to sessions.
// ABOUTME: Survives malformed messages and resubscribes after broker outages.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/wire"
)

// Backoff bounds for resubscribing after a broker failure.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Deliverer is the registry surface the bridge routes into.
type Deliverer interface {
	SendToUser(userID string, payload []byte)
	BroadcastToTopic(topic string, payload []byte)
}

// Bridge consumes the broadcast subscription and delivers each envelope to
// the registry. A single bridge goroutine serves the whole gateway, so
// per-user delivery order matches publish order on the broker channel.
type Bridge struct {
	broker   broker.Broker
	registry Deliverer
	channel  string
	logger   *slog.Logger
}

// New creates a bridge consuming the named broadcast channel.
func New(b broker.Broker, registry Deliverer, channel string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		broker:   b,
		registry: registry,
		channel:  channel,
		logger:   logger.With("component", "relay"),
	}
}

// Run consumes broadcasts until the context is cancelled. Processing errors
// for a single message never terminate the loop; a broker failure triggers
// a resubscribe with capped exponential backoff.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		sub, err := b.broker.Subscribe(ctx, b.channel)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error("subscribe failed, retrying",
				"channel", b.channel,
				"backoff", backoff,
				"error", err,
			)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		b.logger.Info("relay subscribed", "channel", b.channel)
		backoff = initialBackoff

		err = b.consume(ctx, sub)
		_ = sub.Unsubscribe(context.Background())
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logger.Warn("subscription lost, resubscribing",
			"channel", b.channel,
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// consume drains one subscription until it fails or the context ends.
func (b *Bridge) consume(ctx context.Context, sub broker.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return err

		case msg, ok := <-sub.C():
			if !ok {
				select {
				case err := <-sub.Err():
					return err
				default:
					return broker.ErrUnavailable
				}
			}
			b.dispatch(msg)
		}
	}
}

// dispatch routes one broadcast message. Malformed payloads and unknown
// targets fail only this message.
func (b *Bridge) dispatch(msg []byte) {
	env, err := wire.DecodeEnvelope(msg)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownTarget) {
			b.logger.Warn("dropping broadcast with unknown target", "error", err)
		} else {
			b.logger.Warn("dropping malformed broadcast", "error", err)
		}
		return
	}

	switch env.Target.Kind {
	case wire.TargetUser:
		b.registry.SendToUser(env.Target.Name, env.Payload)
	case wire.TargetTopic:
		b.registry.BroadcastToTopic(env.Target.Name, env.Payload)
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
