// ABOUTME: Client protocol types for the websocket connection.
// ABOUTME: JSON actions from clients and status replies from the gateway.

package wire

// Client actions recognized by the session handler.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionMessage     = "message"
)

// Status values in server replies.
const (
	StatusConnected = "connected"
	StatusQueued    = "queued"
	StatusError     = "error"
	StatusCompleted = "completed"
)

// ClientMessage is a message received from a client over the websocket.
type ClientMessage struct {
	Action  string `json:"action"`
	Topic   string `json:"topic,omitempty"`
	Content string `json:"content,omitempty"`
}

// StatusReply is a status message sent from the gateway to a client.
// Exactly one of UserID, TaskID, or Message accompanies the status.
type StatusReply struct {
	Status  string `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// CompletionPayload is the payload the worker publishes for a finished
// work item. Clients receive it verbatim inside a broadcast envelope.
type CompletionPayload struct {
	Status          string `json:"status"`
	TaskType        string `json:"task_type"`
	OriginalContent string `json:"original_content"`
	Result          string `json:"result"`
}

// AnnouncementPayload is the optional public completion event published
// to the announcement topic after a work item finishes.
type AnnouncementPayload struct {
	Event  string `json:"event"`
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
}
