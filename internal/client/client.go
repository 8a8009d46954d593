// ABOUTME: Programmatic websocket client for the gateway, used by tools and tests.
// ABOUTME: Handles handshake auth, action requests, and broadcast event delivery.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pulse-gateway/internal/wire"
)

// Client errors
var (
	// ErrRejected means the gateway closed the handshake, typically for a
	// missing or invalid token.
	ErrRejected = errors.New("connection rejected by gateway")

	// ErrClosed means the connection is gone.
	ErrClosed = errors.New("client closed")
)

// handshakeTimeout bounds the wait for the connected status after dialing.
const handshakeTimeout = 10 * time.Second

// Client is one authenticated websocket connection to the gateway. Command
// replies are matched to requests; everything else the gateway pushes is
// delivered on Events.
type Client struct {
	conn   *websocket.Conn
	userID string

	// writeMu serializes frame writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	// reqMu serializes request/reply exchanges so replies cannot be
	// attributed to the wrong caller. awaiting is set only while a request
	// is in flight; outside that window every frame is an event.
	reqMu    sync.Mutex
	awaiting atomic.Bool
	replies  chan wire.StatusReply

	events chan json.RawMessage
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the gateway websocket endpoint and completes the
// handshake. wsURL is the full endpoint URL (ws://host/ws); the token is
// appended as the token query parameter.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, fmt.Errorf("reading handshake reply: %w", err)
	}

	var reply wire.StatusReply
	if err := json.Unmarshal(data, &reply); err != nil || reply.Status != wire.StatusConnected {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected handshake reply %q", ErrRejected, data)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		userID:  reply.UserID,
		replies: make(chan wire.StatusReply, 4),
		events:  make(chan json.RawMessage, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// UserID returns the identity the gateway authenticated this connection as.
func (c *Client) UserID() string {
	return c.userID
}

// Events delivers broadcast payloads pushed by the gateway, verbatim. The
// channel closes when the connection ends.
func (c *Client) Events() <-chan json.RawMessage {
	return c.events
}

// Subscribe adds this connection to a topic's subscriber set.
func (c *Client) Subscribe(topic string) error {
	return c.writeAction(wire.ClientMessage{Action: wire.ActionSubscribe, Topic: topic})
}

// Unsubscribe removes this connection from a topic's subscriber set.
func (c *Client) Unsubscribe(topic string) error {
	return c.writeAction(wire.ClientMessage{Action: wire.ActionUnsubscribe, Topic: topic})
}

// SendWork submits a work item and returns the task ID the gateway assigned.
// An error status from the gateway is returned as an error.
func (c *Client) SendWork(ctx context.Context, topic, content string) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.awaiting.Store(true)
	defer c.awaiting.Store(false)

	// Drop replies orphaned by an earlier caller that gave up waiting.
	for {
		select {
		case <-c.replies:
			continue
		default:
		}
		break
	}

	if err := c.writeAction(wire.ClientMessage{
		Action:  wire.ActionMessage,
		Topic:   topic,
		Content: content,
	}); err != nil {
		return "", err
	}

	select {
	case reply := <-c.replies:
		if reply.Status == wire.StatusQueued {
			return reply.TaskID, nil
		}
		return "", fmt.Errorf("gateway refused work item: %s", reply.Message)
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeAction(msg wire.ClientMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// readLoop classifies inbound frames: while a request is in flight, queued
// and error statuses are command replies; everything else, including those
// statuses arriving unsolicited, is a pushed event.
func (c *Client) readLoop() {
	defer func() {
		c.once.Do(func() { c.conn.Close() })
		close(c.done)
		close(c.events)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var reply wire.StatusReply
		if c.awaiting.Load() &&
			json.Unmarshal(data, &reply) == nil &&
			(reply.Status == wire.StatusQueued || reply.Status == wire.StatusError) {
			select {
			case c.replies <- reply:
			default:
			}
			continue
		}

		select {
		case c.events <- json.RawMessage(data):
		default:
			// Slow consumer; drop rather than stall the read loop.
		}
	}
}
