// ABOUTME: Per-connection websocket session handler and outbound write pump.
// ABOUTME: Handshake auth, client action dispatch, and work item submission.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/broker"
	"github.com/2389/pulse-gateway/internal/wire"
)

const (
	// writeWait bounds a single outbound frame write.
	writeWait = 10 * time.Second

	// sendBufferSize is the per-session outbound queue. A client that
	// falls this far behind is treated as broken and disconnected.
	sendBufferSize = 64

	// maxMessageSize caps inbound client frames.
	maxMessageSize = 64 * 1024
)

// Session errors
var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth covers browser and non-browser clients alike; origin
	// checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket runs the full session lifecycle: handshake auth, registry
// registration, read loop, and teardown.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID, err := g.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		g.logger.Warn("handshake rejected", "error", err)
		g.closePolicyViolation(conn, err)
		return
	}

	sess := newWSSession(conn)
	go sess.writePump()

	g.registry.Connect(userID, sess)
	defer g.registry.DisconnectIf(userID, sess)

	if err := g.sendStatus(sess, wire.StatusReply{
		Status: wire.StatusConnected,
		UserID: userID,
	}); err != nil {
		return
	}

	g.readLoop(r, sess, userID)
}

// closePolicyViolation rejects an unauthenticated connection with a 1008
// close frame before it ever reaches the registry.
func (g *Gateway) closePolicyViolation(conn *websocket.Conn, cause error) {
	reason := "invalid token"
	if errors.Is(cause, auth.ErrMissingToken) {
		reason = "missing token"
	}

	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		deadline,
	)
	_ = conn.Close()
}

// readLoop processes client messages until the connection breaks. Each
// message error is confined to that message; only a read or send failure
// ends the session.
func (g *Gateway) readLoop(r *http.Request, sess *wsSession, userID string) {
	sess.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read failed", "user_id", userID, "error", err)
			}
			return
		}

		if err := g.handleClientMessage(r, sess, userID, data); err != nil {
			g.logger.Warn("session send failed", "user_id", userID, "error", err)
			return
		}
	}
}

// handleClientMessage dispatches one inbound frame. The returned error is
// non-nil only when replying to the client failed, which ends the session.
func (g *Gateway) handleClientMessage(r *http.Request, sess *wsSession, userID string, data []byte) error {
	var msg wire.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return g.sendStatus(sess, wire.StatusReply{
			Status:  wire.StatusError,
			Message: "invalid JSON",
		})
	}

	switch msg.Action {
	case wire.ActionSubscribe:
		if msg.Topic == "" {
			return g.errorReply(sess, "subscribe requires a topic")
		}
		g.registry.Subscribe(userID, msg.Topic)
		return nil

	case wire.ActionUnsubscribe:
		if msg.Topic == "" {
			return g.errorReply(sess, "unsubscribe requires a topic")
		}
		g.registry.Unsubscribe(userID, msg.Topic)
		return nil

	case wire.ActionMessage:
		return g.enqueueWork(r, sess, userID, &msg)

	case "":
		return g.errorReply(sess, "missing action")

	default:
		return g.errorReply(sess, fmt.Sprintf("unknown action: %s", msg.Action))
	}
}

// enqueueWork builds a work item from a message action and places it on
// the work queue, acknowledging with the generated task ID.
func (g *Gateway) enqueueWork(r *http.Request, sess *wsSession, userID string, msg *wire.ClientMessage) error {
	if msg.Topic == "" || msg.Content == "" {
		return g.errorReply(sess, "message requires topic and content")
	}

	item := wire.WorkItem{
		TaskID:  uuid.New().String(),
		UserID:  userID,
		Topic:   msg.Topic,
		Content: msg.Content,
	}
	payload, err := item.Encode()
	if err != nil {
		return g.errorReply(sess, "internal error")
	}

	if err := g.broker.Enqueue(r.Context(), g.config.Channels.TaskQueue, payload); err != nil {
		g.logger.Error("enqueue failed",
			"user_id", userID,
			"task_id", item.TaskID,
			"error", err,
		)
		if errors.Is(err, broker.ErrUnavailable) {
			return g.errorReply(sess, "work queue unavailable")
		}
		return g.errorReply(sess, "failed to queue work item")
	}

	return g.sendStatus(sess, wire.StatusReply{
		Status: wire.StatusQueued,
		TaskID: item.TaskID,
	})
}

// errorReply sends an error status without closing the connection.
func (g *Gateway) errorReply(sess *wsSession, message string) error {
	return g.sendStatus(sess, wire.StatusReply{
		Status:  wire.StatusError,
		Message: message,
	})
}

// sendStatus marshals and queues a status reply on the session.
func (g *Gateway) sendStatus(sess *wsSession, reply wire.StatusReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encoding status reply: %w", err)
	}
	return sess.Send(data)
}

// wsSession is the outbound half of one websocket connection. All writes
// go through the send channel and a single write pump goroutine, since
// gorilla connections allow only one concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues a payload for delivery. Fails when the session is closed or
// the client has fallen too far behind.
func (s *wsSession) Send(payload []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// connection. Safe to call multiple times.
func (s *wsSession) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

// writePump is the sole writer on the connection. It drains the send
// channel until the session closes, then emits a close frame.
func (s *wsSession) writePump() {
	defer s.conn.Close()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}
