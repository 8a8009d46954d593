// Package registry tracks live client sessions and topic memberships.
//
// # Overview
//
// The registry is the single source of truth for who is connected and which
// topics they listen to. The websocket handler registers sessions on
// connect, the relay bridge delivers broadcasts through it, and teardown
// removes sessions and their memberships atomically.
//
// # Sessions
//
// A session is one authenticated connection, registered under its user ID:
//
//	reg.Connect(userID, sender)
//	defer reg.DisconnectIf(userID, sender)
//
// Connecting while a session already exists replaces it: the new connection
// wins and the old sender is closed. DisconnectIf lets the old connection's
// handler exit without tearing down the replacement.
//
// # Topics
//
// Topic membership is a set of user IDs per topic:
//
//   - Subscribe(userID, topic): no-op without a live session
//   - Unsubscribe(userID, topic): removing the last member removes the topic
//   - Disconnect removes the user from every topic in the same critical section
//
// The invariant: every topic member has a live session.
//
// # Delivery
//
// SendToUser and BroadcastToTopic deliver payloads through each session's
// Sender. A failed delivery is treated as an implicit disconnect of that
// session; a broadcast drops only the failing member and continues.
package registry
