// ABOUTME: Tests for the relay bridge consuming broker broadcasts.
// ABOUTME: Covers routing, malformed message survival, and resubscription.

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-gateway/internal/broker"
)

// fakeDeliverer records routed deliveries.
type fakeDeliverer struct {
	mu         sync.Mutex
	users      map[string][]string
	topics     map[string][]string
	deliveries chan struct{}
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		users:      make(map[string][]string),
		topics:     make(map[string][]string),
		deliveries: make(chan struct{}, 64),
	}
}

func (d *fakeDeliverer) SendToUser(userID string, payload []byte) {
	d.mu.Lock()
	d.users[userID] = append(d.users[userID], string(payload))
	d.mu.Unlock()
	d.deliveries <- struct{}{}
}

func (d *fakeDeliverer) BroadcastToTopic(topic string, payload []byte) {
	d.mu.Lock()
	d.topics[topic] = append(d.topics[topic], string(payload))
	d.mu.Unlock()
	d.deliveries <- struct{}{}
}

func (d *fakeDeliverer) userPayloads(userID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.users[userID]...)
}

func (d *fakeDeliverer) topicPayloads(topic string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.topics[topic]...)
}

func (d *fakeDeliverer) waitDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-d.deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// startBridge runs a bridge against the memory broker and waits for its
// subscription to come up.
func startBridge(t *testing.T, b *broker.MemoryBroker, d Deliverer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = New(b, d, "broadcasts", nil).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return b.SubscriberCount("broadcasts") > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_RoutesUserTarget(t *testing.T) {
	b := broker.NewMemoryBroker()
	d := newFakeDeliverer()
	startBridge(t, b, d)

	err := b.Publish(context.Background(), "broadcasts", []byte(`{"target":"user:alice","payload":{"status":"completed"}}`))
	require.NoError(t, err)

	d.waitDelivery(t)
	payloads := d.userPayloads("alice")
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"status":"completed"}`, payloads[0])
	assert.Empty(t, d.topicPayloads("alice"))
}

func TestBridge_RoutesTopicTarget(t *testing.T) {
	b := broker.NewMemoryBroker()
	d := newFakeDeliverer()
	startBridge(t, b, d)

	err := b.Publish(context.Background(), "broadcasts", []byte(`{"target":"topic:news","payload":{"headline":"hi"}}`))
	require.NoError(t, err)

	d.waitDelivery(t)
	payloads := d.topicPayloads("news")
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"headline":"hi"}`, payloads[0])
}

func TestBridge_SurvivesMalformedAndUnknownMessages(t *testing.T) {
	b := broker.NewMemoryBroker()
	d := newFakeDeliverer()
	startBridge(t, b, d)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "broadcasts", []byte(`not json`)))
	require.NoError(t, b.Publish(ctx, "broadcasts", []byte(`{"target":"group:ops","payload":{}}`)))
	require.NoError(t, b.Publish(ctx, "broadcasts", []byte(`{"payload":{"lost":true}}`)))
	require.NoError(t, b.Publish(ctx, "broadcasts", []byte(`{"target":"user:alice","payload":{"ok":true}}`)))

	d.waitDelivery(t)
	payloads := d.userPayloads("alice")
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"ok":true}`, payloads[0])
	assert.Empty(t, d.topicPayloads("ops"))
	assert.Empty(t, d.userPayloads(""), "no-target message must be dropped, not routed")
}

func TestBridge_ResubscribesAfterSubscriptionFailure(t *testing.T) {
	b := broker.NewMemoryBroker()
	d := newFakeDeliverer()
	startBridge(t, b, d)

	b.FailSubscriptions(broker.ErrUnavailable)

	// The bridge backs off and resubscribes; deliveries resume.
	require.Eventually(t, func() bool {
		_ = b.Publish(context.Background(), "broadcasts", []byte(`{"target":"user:alice","payload":{"back":true}}`))
		return len(d.userPayloads("alice")) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBridge_StopsOnContextCancel(t *testing.T) {
	b := broker.NewMemoryBroker()
	d := newFakeDeliverer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(b, d, "broadcasts", nil).Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}
