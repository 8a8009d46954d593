// ABOUTME: Tests for the work queue consumer loop.
// ABOUTME: Covers result publishing, announcements, and per-item failure isolation.

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/wire"
)

var testOpts = Options{
	Queue:            "work",
	BroadcastChannel: "broadcasts",
	AnnounceTopic:    "general_updates",
}

// failingProcessor fails for a specific content value.
type failingProcessor struct {
	failOn string
}

func (p *failingProcessor) Process(ctx context.Context, content string) (string, error) {
	if content == p.failOn {
		return "", errors.New("boom")
	}
	return "processed: " + content, nil
}

// collectBroadcasts subscribes to the broadcast channel and returns a
// channel of decoded envelopes.
func collectBroadcasts(t *testing.T, b *broker.MemoryBroker) <-chan *wire.Envelope {
	t.Helper()

	sub, err := b.Subscribe(context.Background(), "broadcasts")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe(context.Background()) })

	out := make(chan *wire.Envelope, 16)
	go func() {
		for msg := range sub.C() {
			if env, err := wire.DecodeEnvelope(msg); err == nil {
				out <- env
			}
		}
	}()
	return out
}

func startWorker(t *testing.T, b *broker.MemoryBroker, p Processor) {
	t.Helper()

	if p == nil {
		p = &HeavyProcessor{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(b, p, testOpts, nil).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func enqueueItem(t *testing.T, b *broker.MemoryBroker, item wire.WorkItem) {
	t.Helper()

	payload, err := item.Encode()
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(context.Background(), "work", payload))
}

func nextEnvelope(t *testing.T, envs <-chan *wire.Envelope) *wire.Envelope {
	t.Helper()

	select {
	case env := <-envs:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestWorker_PublishesCompletionToUser(t *testing.T) {
	b := broker.NewMemoryBroker()
	envs := collectBroadcasts(t, b)
	startWorker(t, b, nil)

	enqueueItem(t, b, wire.WorkItem{TaskID: "t-1", UserID: "u1", Topic: "t", Content: "hi"})

	env := nextEnvelope(t, envs)
	assert.Equal(t, wire.UserTarget("u1"), env.Target)

	var completion wire.CompletionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &completion))
	assert.Equal(t, wire.StatusCompleted, completion.Status)
	assert.Equal(t, "heavy_processing", completion.TaskType)
	assert.Equal(t, "hi", completion.OriginalContent)
	assert.Equal(t, "processed: HI", completion.Result)
}

func TestWorker_PublishesAnnouncementAfterCompletion(t *testing.T) {
	b := broker.NewMemoryBroker()
	envs := collectBroadcasts(t, b)
	startWorker(t, b, nil)

	enqueueItem(t, b, wire.WorkItem{TaskID: "t-2", UserID: "u1", Topic: "t", Content: "hi"})

	first := nextEnvelope(t, envs)
	require.Equal(t, wire.UserTarget("u1"), first.Target)

	second := nextEnvelope(t, envs)
	assert.Equal(t, wire.TopicTarget("general_updates"), second.Target)

	var announcement wire.AnnouncementPayload
	require.NoError(t, json.Unmarshal(second.Payload, &announcement))
	assert.Equal(t, "task_completed_public", announcement.Event)
	assert.Equal(t, "u1", announcement.UserID)
	assert.Equal(t, "t-2", announcement.TaskID)
}

func TestWorker_MalformedEntryDoesNotStopLoop(t *testing.T) {
	b := broker.NewMemoryBroker()
	envs := collectBroadcasts(t, b)
	startWorker(t, b, nil)

	require.NoError(t, b.Enqueue(context.Background(), "work", []byte(`not json`)))
	enqueueItem(t, b, wire.WorkItem{TaskID: "t-3", UserID: "u2", Topic: "t", Content: "ok"})

	env := nextEnvelope(t, envs)
	assert.Equal(t, wire.UserTarget("u2"), env.Target)
}

func TestWorker_ProcessingErrorDoesNotStopLoop(t *testing.T) {
	b := broker.NewMemoryBroker()
	envs := collectBroadcasts(t, b)
	startWorker(t, b, &failingProcessor{failOn: "bad"})

	enqueueItem(t, b, wire.WorkItem{TaskID: "t-4", UserID: "u1", Topic: "t", Content: "bad"})
	enqueueItem(t, b, wire.WorkItem{TaskID: "t-5", UserID: "u1", Topic: "t", Content: "good"})

	env := nextEnvelope(t, envs)
	var completion wire.CompletionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &completion))
	assert.Equal(t, "good", completion.OriginalContent)
}

func TestWorker_SkipsDuplicateTaskIDs(t *testing.T) {
	b := broker.NewMemoryBroker()
	envs := collectBroadcasts(t, b)
	startWorker(t, b, nil)

	item := wire.WorkItem{TaskID: "t-6", UserID: "u1", Topic: "t", Content: "hi"}
	enqueueItem(t, b, item)
	enqueueItem(t, b, item) // redelivered
	enqueueItem(t, b, wire.WorkItem{TaskID: "t-7", UserID: "u1", Topic: "t", Content: "next"})

	// t-6 completion + announcement, then t-7: the duplicate produced nothing.
	first := nextEnvelope(t, envs)
	var completion wire.CompletionPayload
	require.NoError(t, json.Unmarshal(first.Payload, &completion))
	assert.Equal(t, "hi", completion.OriginalContent)

	second := nextEnvelope(t, envs)
	assert.Equal(t, wire.TopicTarget("general_updates"), second.Target)

	third := nextEnvelope(t, envs)
	require.NoError(t, json.Unmarshal(third.Payload, &completion))
	assert.Equal(t, "next", completion.OriginalContent)
}

func TestWorker_RetriesAfterDequeueOutage(t *testing.T) {
	b := broker.NewMemoryBroker()
	envs := collectBroadcasts(t, b)

	b.SetErr(broker.ErrUnavailable)
	startWorker(t, b, nil)

	// Let the worker hit the outage at least once before restoring service.
	time.Sleep(50 * time.Millisecond)
	b.SetErr(nil)

	enqueueItem(t, b, wire.WorkItem{TaskID: "t-8", UserID: "u1", Topic: "t", Content: "back"})

	env := nextEnvelope(t, envs)
	assert.Equal(t, wire.UserTarget("u1"), env.Target)

	var completion wire.CompletionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &completion))
	assert.Equal(t, "back", completion.OriginalContent)
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	b := broker.NewMemoryBroker()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(b, &HeavyProcessor{}, testOpts, nil).Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestHeavyProcessor_DerivesResultFromContent(t *testing.T) {
	p := &HeavyProcessor{}

	result, err := p.Process(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "processed: HELLO WORLD", result)
}

func TestHeavyProcessor_DelayIsCancellable(t *testing.T) {
	p := &HeavyProcessor{Delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, "hi")
	assert.ErrorIs(t, err, context.Canceled)
}
