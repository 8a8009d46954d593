// ABOUTME: Pluggable processing step applied to each dequeued work item.
// ABOUTME: HeavyProcessor stands in for real domain work with a delay plus transform.

package worker

import (
	"context"
	"strings"
	"time"
)

// Processor turns submitted content into a result. Implementations must be
// safe for concurrent use; multiple workers may share one Processor.
type Processor interface {
	Process(ctx context.Context, content string) (string, error)
}

// HeavyProcessor simulates an expensive processing step: it waits for the
// configured delay and returns the uppercased content. The delay is
// interruptible by context cancellation.
type HeavyProcessor struct {
	Delay time.Duration
}

// Process sleeps for the configured delay and derives the result from the
// content.
func (p *HeavyProcessor) Process(ctx context.Context, content string) (string, error) {
	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "processed: " + strings.ToUpper(content), nil
}
