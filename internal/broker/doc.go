// Package broker abstracts the message backend behind a small interface.
//
// # Overview
//
// The gateway and worker never talk to Redis directly; they use the Broker
// interface for pub/sub broadcasts (Publish/Subscribe) and the work queue
// (Enqueue/Dequeue). Two implementations exist:
//
//   - RedisBroker: PUBLISH and pub/sub channels for broadcasts, RPUSH and
//     BLPOP for the queue. The production backend.
//   - MemoryBroker: in-process double with the same semantics, used by tests
//     to simulate outages (SetErr, FailSubscriptions) without a server.
//
// # Errors
//
// Transport failures surface as ErrUnavailable so callers can distinguish a
// backend outage from a bad request. Context cancellation passes through
// untouched.
package broker
