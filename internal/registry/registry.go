// ABOUTME: Authoritative registry of live client sessions and topic memberships.
// ABOUTME: The only holder of mutable shared state in the gateway process.

package registry

import (
	"log/slog"
	"sync"
)

// Sender is the outbound half of a client connection. Send must be safe
// for concurrent use and must fail (not block forever) once the
// connection is broken.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// Session is one live authenticated connection.
type Session struct {
	UserID string
	sender Sender
}

// Registry tracks who is connected and who listens to what. A session
// present in any topic's subscriber set is always present in the session
// map; disconnect removes topic memberships before the session entry, under
// the same critical section.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	topics   map[string]map[string]struct{} // topic -> set of user IDs
	logger   *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		topics:   make(map[string]map[string]struct{}),
		logger:   logger.With("component", "registry"),
	}
}

// Connect registers a live session for userID. If a session already exists
// for the user, the new connection replaces it and the old channel is
// closed; the replaced session keeps the user's topic memberships.
func (r *Registry) Connect(userID string, sender Sender) {
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = &Session{UserID: userID, sender: sender}
	r.mu.Unlock()

	if old != nil {
		_ = old.sender.Close()
		r.logger.Info("session replaced", "user_id", userID)
		return
	}
	r.logger.Info("session connected", "user_id", userID)
}

// Disconnect removes the session and all its topic memberships. The
// removal is atomic with respect to concurrent delivery: once it starts,
// no broadcast snapshot taken afterwards will include the user.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok {
		r.removeMembershipsLocked(userID)
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if ok {
		_ = sess.sender.Close()
		r.logger.Info("session disconnected", "user_id", userID)
	}
}

// DisconnectIf removes the user's session only if it still holds the given
// sender. A session handler whose connection was replaced calls this on
// exit without tearing down the user's new session. Returns true if the
// session was removed.
func (r *Registry) DisconnectIf(userID string, sender Sender) bool {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok && sess.sender == sender {
		r.removeMembershipsLocked(userID)
		delete(r.sessions, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		_ = sess.sender.Close()
		r.logger.Info("session disconnected", "user_id", userID)
	}
	return ok
}

// disconnectSession removes userID only while its current session is still
// sess. A session that was replaced concurrently is left alone so a stale
// delivery failure cannot tear down the user's new connection.
func (r *Registry) disconnectSession(userID string, sess *Session) {
	r.mu.Lock()
	current, ok := r.sessions[userID]
	if ok && current == sess {
		r.removeMembershipsLocked(userID)
		delete(r.sessions, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		_ = sess.sender.Close()
		r.logger.Warn("session dropped after delivery failure", "user_id", userID)
	}
}

// removeMembershipsLocked removes userID from every topic, deleting topics
// left without subscribers. Must be called with mu held for writing.
func (r *Registry) removeMembershipsLocked(userID string) {
	for topic, members := range r.topics {
		if _, ok := members[userID]; !ok {
			continue
		}
		delete(members, userID)
		if len(members) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Subscribe adds userID to a topic's subscriber set. No-op when the user
// has no live session.
func (r *Registry) Subscribe(userID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[userID]; !ok {
		return
	}

	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		r.topics[topic] = members
	}
	members[userID] = struct{}{}

	r.logger.Debug("subscribed", "user_id", userID, "topic", topic)
}

// Unsubscribe removes userID from a topic. Removing the last subscriber
// removes the topic. Unsubscribing a non-member is a no-op.
func (r *Registry) Unsubscribe(userID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.topics[topic]
	if !ok {
		return
	}
	if _, ok := members[userID]; !ok {
		return
	}

	delete(members, userID)
	if len(members) == 0 {
		delete(r.topics, topic)
	}

	r.logger.Debug("unsubscribed", "user_id", userID, "topic", topic)
}

// SendToUser delivers a payload to the user's live channel. Delivery to an
// unknown user is a silent no-op. A delivery failure is treated as an
// implicit disconnect of that user.
func (r *Registry) SendToUser(userID string, payload []byte) {
	r.mu.RLock()
	sess, ok := r.sessions[userID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	if err := sess.sender.Send(payload); err != nil {
		r.logger.Warn("delivery failed", "user_id", userID, "error", err)
		r.disconnectSession(userID, sess)
	}
}

// BroadcastToTopic delivers a payload to the current snapshot of the
// topic's subscribers. A failing subscriber is dropped; the remaining
// deliveries proceed.
func (r *Registry) BroadcastToTopic(topic string, payload []byte) {
	r.mu.RLock()
	members := r.topics[topic]
	targets := make([]*Session, 0, len(members))
	for userID := range members {
		if sess, ok := r.sessions[userID]; ok {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.sender.Send(payload); err != nil {
			r.logger.Warn("broadcast delivery failed",
				"user_id", sess.UserID,
				"topic", topic,
				"error", err,
			)
			r.disconnectSession(sess.UserID, sess)
		}
	}
}

// Topics returns the user's current topic memberships.
func (r *Registry) Topics(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var topics []string
	for topic, members := range r.topics {
		if _, ok := members[userID]; ok {
			topics = append(topics, topic)
		}
	}
	return topics
}

// IsConnected reports whether the user has a live session.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[userID]
	return ok
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
