// ABOUTME: Work queue consumer that processes items and publishes results.
// ABOUTME: One blocking pop at a time; item failures never stop the loop.

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/dedupe"
	"github.com/2389/pulse-gateway/internal/wire"
)

// Backoff bounds for retrying after a broker outage on the dequeue path.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Dedupe window for redelivered task IDs.
const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 10000
)

// Options configures a Worker.
type Options struct {
	// Queue is the broker queue to consume.
	Queue string

	// BroadcastChannel is the pub/sub channel results are published to.
	BroadcastChannel string

	// AnnounceTopic receives a public completion event per finished item.
	// Empty disables the announcement.
	AnnounceTopic string
}

// Worker consumes the work queue one blocking pop at a time. Multiple
// workers may run against the same queue; the broker hands each item to
// exactly one of them, so workers share no state.
type Worker struct {
	broker    broker.Broker
	processor Processor
	opts      Options
	seen      *dedupe.Cache
	logger    *slog.Logger
}

// New creates a worker. Pass nil logger for default.
func New(b broker.Broker, processor Processor, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		broker:    b,
		processor: processor,
		opts:      opts,
		seen:      dedupe.New(dedupeTTL, dedupeMaxSize),
		logger:    logger.With("component", "worker"),
	}
}

// Run consumes the queue until the context is cancelled. Malformed items
// and per-item processing errors are logged and skipped; a broker outage
// triggers a retry with capped exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	defer w.seen.Close()

	backoff := initialBackoff

	for {
		payload, err := w.broker.Dequeue(ctx, w.opts.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrUnavailable) || errors.Is(err, broker.ErrClosed) {
				w.logger.Error("dequeue failed, retrying",
					"queue", w.opts.Queue,
					"backoff", backoff,
					"error", err,
				)
				if !sleep(ctx, backoff) {
					return ctx.Err()
				}
				backoff = nextBackoff(backoff)
				continue
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		backoff = initialBackoff

		w.handle(ctx, payload)
	}
}

// handle processes one queue entry end to end. Errors are confined to the
// entry: they are logged and the caller moves on to the next item.
func (w *Worker) handle(ctx context.Context, payload []byte) {
	item, err := wire.DecodeWorkItem(payload)
	if err != nil {
		w.logger.Warn("dropping malformed queue entry", "error", err)
		return
	}
	if item.TaskID == "" {
		w.logger.Warn("dropping queue entry without task id", "user_id", item.UserID)
		return
	}

	if w.seen.Seen(item.TaskID) {
		w.logger.Info("skipping duplicate task", "task_id", item.TaskID)
		return
	}

	w.logger.Info("processing task",
		"task_id", item.TaskID,
		"user_id", item.UserID,
		"topic", item.Topic,
	)

	result, err := w.processor.Process(ctx, item.Content)
	if err != nil {
		w.logger.Error("processing failed",
			"task_id", item.TaskID,
			"user_id", item.UserID,
			"error", err,
		)
		return
	}

	if err := w.publishCompletion(ctx, item, result); err != nil {
		w.logger.Error("publishing result failed",
			"task_id", item.TaskID,
			"user_id", item.UserID,
			"error", err,
		)
		return
	}

	w.announce(ctx, item)
}

// publishCompletion sends the result directly to the submitting user.
func (w *Worker) publishCompletion(ctx context.Context, item *wire.WorkItem, result string) error {
	payload, err := json.Marshal(wire.CompletionPayload{
		Status:          wire.StatusCompleted,
		TaskType:        "heavy_processing",
		OriginalContent: item.Content,
		Result:          result,
	})
	if err != nil {
		return fmt.Errorf("encoding completion payload: %w", err)
	}

	env := wire.Envelope{
		Target:  wire.UserTarget(item.UserID),
		Payload: payload,
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	return w.broker.Publish(ctx, w.opts.BroadcastChannel, data)
}

// announce publishes the optional public completion event. Failure here is
// non-fatal: the user already has their result.
func (w *Worker) announce(ctx context.Context, item *wire.WorkItem) {
	if w.opts.AnnounceTopic == "" {
		return
	}

	payload, err := json.Marshal(wire.AnnouncementPayload{
		Event:  "task_completed_public",
		UserID: item.UserID,
		TaskID: item.TaskID,
	})
	if err != nil {
		w.logger.Warn("encoding announcement failed", "task_id", item.TaskID, "error", err)
		return
	}

	env := wire.Envelope{
		Target:  wire.TopicTarget(w.opts.AnnounceTopic),
		Payload: payload,
	}
	data, err := env.Encode()
	if err != nil {
		w.logger.Warn("encoding announcement envelope failed", "task_id", item.TaskID, "error", err)
		return
	}

	if err := w.broker.Publish(ctx, w.opts.BroadcastChannel, data); err != nil {
		w.logger.Warn("publishing announcement failed", "task_id", item.TaskID, "error", err)
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
