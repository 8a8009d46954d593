// ABOUTME: Wire formats shared by the gateway, relay bridge, and worker.
// ABOUTME: Defines broadcast envelopes, delivery targets, and queued work items.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire format errors
var (
	// ErrUnknownTarget means a target string had no recognized kind prefix.
	ErrUnknownTarget = errors.New("unknown target kind")

	// ErrEmptyTarget means a target string had a recognized prefix but no name.
	ErrEmptyTarget = errors.New("empty target name")
)

// TargetKind discriminates the delivery target of a broadcast envelope.
type TargetKind int

const (
	// TargetUser addresses a single connected user.
	TargetUser TargetKind = iota

	// TargetTopic addresses every subscriber of a topic.
	TargetTopic
)

const (
	userPrefix  = "user:"
	topicPrefix = "topic:"
)

// Target is the parsed form of a "user:<id>" or "topic:<name>" string.
// Parsing happens once at the boundary; everything downstream switches on
// Kind instead of re-inspecting prefixes.
type Target struct {
	Kind TargetKind
	Name string
}

// UserTarget builds a Target addressing a single user.
func UserTarget(userID string) Target {
	return Target{Kind: TargetUser, Name: userID}
}

// TopicTarget builds a Target addressing a topic's subscribers.
func TopicTarget(topic string) Target {
	return Target{Kind: TargetTopic, Name: topic}
}

// ParseTarget parses a prefix-tagged target string.
// Returns ErrUnknownTarget for unrecognized prefixes and ErrEmptyTarget
// when the name after the prefix is missing.
func ParseTarget(s string) (Target, error) {
	switch {
	case strings.HasPrefix(s, userPrefix):
		name := strings.TrimPrefix(s, userPrefix)
		if name == "" {
			return Target{}, fmt.Errorf("%w: %q", ErrEmptyTarget, s)
		}
		return Target{Kind: TargetUser, Name: name}, nil

	case strings.HasPrefix(s, topicPrefix):
		name := strings.TrimPrefix(s, topicPrefix)
		if name == "" {
			return Target{}, fmt.Errorf("%w: %q", ErrEmptyTarget, s)
		}
		return Target{Kind: TargetTopic, Name: name}, nil

	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
}

// String renders the target back to its wire form.
func (t Target) String() string {
	switch t.Kind {
	case TargetUser:
		return userPrefix + t.Name
	case TargetTopic:
		return topicPrefix + t.Name
	default:
		return t.Name
	}
}

// MarshalJSON encodes the target as its prefix-tagged string form.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a prefix-tagged string into a Target.
func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTarget(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Envelope is the broadcast channel wire format. The payload is forwarded
// to clients verbatim, so it stays raw JSON end to end.
type Envelope struct {
	Target  Target          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a broadcast channel message. A missing or
// malformed target fails the whole envelope. The absent-field case needs an
// explicit check: json leaves the Target at its zero value, which would
// otherwise pass as "user:" with an empty name.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Target.Name == "" {
		return nil, fmt.Errorf("%w: envelope has no target", ErrEmptyTarget)
	}
	return &env, nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// WorkItem is the work queue wire format. Items are immutable once
// enqueued and consumed by exactly one worker.
type WorkItem struct {
	TaskID  string `json:"task_id"`
	UserID  string `json:"user_id"`
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// DecodeWorkItem parses a queue entry.
func DecodeWorkItem(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding work item: %w", err)
	}
	return &item, nil
}

// Encode serializes the work item for the queue.
func (w *WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}
