// ABOUTME: Tests for the connection/topic registry.
// ABOUTME: Covers membership bookkeeping, delivery, implicit disconnects, and races.

package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records delivered payloads and can be switched to fail.
type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	failSend bool
	closed   bool
}

func (s *fakeSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegistry_SubscribeUnsubscribeNetEffect(t *testing.T) {
	r := New(nil)
	r.Connect("alice", &fakeSender{})

	r.Subscribe("alice", "news")
	r.Subscribe("alice", "sports")
	r.Subscribe("alice", "news") // idempotent
	r.Unsubscribe("alice", "sports")
	r.Unsubscribe("alice", "weather") // non-member, no-op

	assert.ElementsMatch(t, []string{"news"}, r.Topics("alice"))
}

func TestRegistry_SubscribeWithoutSessionIsNoOp(t *testing.T) {
	r := New(nil)

	r.Subscribe("ghost", "news")

	assert.Empty(t, r.Topics("ghost"))
	r.BroadcastToTopic("news", []byte(`{}`)) // must not panic or deliver
}

func TestRegistry_DisconnectRemovesAllMemberships(t *testing.T) {
	r := New(nil)
	alice := &fakeSender{}
	bob := &fakeSender{}
	r.Connect("alice", alice)
	r.Connect("bob", bob)
	r.Subscribe("alice", "news")
	r.Subscribe("alice", "sports")
	r.Subscribe("bob", "news")

	r.Disconnect("alice")

	assert.False(t, r.IsConnected("alice"))
	assert.True(t, alice.isClosed())
	assert.Empty(t, r.Topics("alice"))

	r.BroadcastToTopic("news", []byte(`"hello"`))
	assert.Empty(t, alice.received())
	require.Len(t, bob.received(), 1)
}

func TestRegistry_SendToUser(t *testing.T) {
	r := New(nil)
	alice := &fakeSender{}
	r.Connect("alice", alice)

	r.SendToUser("alice", []byte(`"hi"`))

	require.Len(t, alice.received(), 1)
	assert.Equal(t, `"hi"`, string(alice.received()[0]))
}

func TestRegistry_SendToUnknownUserIsNoOp(t *testing.T) {
	r := New(nil)
	alice := &fakeSender{}
	r.Connect("alice", alice)

	r.SendToUser("bob", []byte(`"hi"`))

	assert.Empty(t, alice.received())
}

func TestRegistry_SendFailureDisconnectsUser(t *testing.T) {
	r := New(nil)
	alice := &fakeSender{failSend: true}
	r.Connect("alice", alice)
	r.Subscribe("alice", "news")

	r.SendToUser("alice", []byte(`"hi"`))

	assert.False(t, r.IsConnected("alice"))
	assert.True(t, alice.isClosed())
	assert.Empty(t, r.Topics("alice"))
}

func TestRegistry_BroadcastDeliversToAllMembersOnly(t *testing.T) {
	r := New(nil)
	alice := &fakeSender{}
	bob := &fakeSender{}
	carol := &fakeSender{}
	r.Connect("alice", alice)
	r.Connect("bob", bob)
	r.Connect("carol", carol)
	r.Subscribe("alice", "news")
	r.Subscribe("bob", "news")
	r.Subscribe("carol", "sports")

	r.BroadcastToTopic("news", []byte(`"breaking"`))

	require.Len(t, alice.received(), 1)
	require.Len(t, bob.received(), 1)
	assert.Equal(t, string(alice.received()[0]), string(bob.received()[0]))
	assert.Empty(t, carol.received())
}

func TestRegistry_BroadcastFailureDropsOnlyFailingMember(t *testing.T) {
	r := New(nil)
	alice := &fakeSender{failSend: true}
	bob := &fakeSender{}
	r.Connect("alice", alice)
	r.Connect("bob", bob)
	r.Subscribe("alice", "news")
	r.Subscribe("bob", "news")

	r.BroadcastToTopic("news", []byte(`"breaking"`))

	assert.False(t, r.IsConnected("alice"))
	assert.True(t, r.IsConnected("bob"))
	require.Len(t, bob.received(), 1)
}

func TestRegistry_ConnectReplacesExistingSession(t *testing.T) {
	r := New(nil)
	first := &fakeSender{}
	second := &fakeSender{}

	r.Connect("alice", first)
	r.Connect("alice", second)

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	r.SendToUser("alice", []byte(`"hi"`))
	assert.Empty(t, first.received())
	require.Len(t, second.received(), 1)
	assert.Equal(t, 1, r.SessionCount())
}

func TestRegistry_DisconnectIfGuardsReplacedSession(t *testing.T) {
	r := New(nil)
	first := &fakeSender{}
	second := &fakeSender{}

	r.Connect("alice", first)
	r.Connect("alice", second)

	// The replaced handler's teardown must not remove the new session.
	assert.False(t, r.DisconnectIf("alice", first))
	assert.True(t, r.IsConnected("alice"))

	assert.True(t, r.DisconnectIf("alice", second))
	assert.False(t, r.IsConnected("alice"))
}

func TestRegistry_LastUnsubscribeRemovesTopic(t *testing.T) {
	r := New(nil)
	r.Connect("alice", &fakeSender{})
	r.Subscribe("alice", "news")

	r.Unsubscribe("alice", "news")

	r.mu.RLock()
	_, exists := r.topics["news"]
	r.mu.RUnlock()
	assert.False(t, exists)
}

func TestRegistry_ConcurrentMembershipChanges(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		r.Connect(u, &fakeSender{})
	}

	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Subscribe(userID, "shared")
				r.BroadcastToTopic("shared", []byte(`"x"`))
				r.Unsubscribe(userID, "shared")
			}
		}(u)
	}
	wg.Wait()

	for _, u := range users {
		assert.Empty(t, r.Topics(u))
		assert.True(t, r.IsConnected(u))
	}
}
