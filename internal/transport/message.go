// ABOUTME: Wire message shapes and inbound payload parsing for the gateway protocol.
// ABOUTME: Inbound parsing is a tagged union — structured JSON or plain text, never an error.

package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageTypeSystem is the envelope type synthesized for plain-text payloads.
const MessageTypeSystem = "system_message"

// SenderSystem marks synthetic join/leave notices on the wire.
const SenderSystem = "system"

// Message is the normalized form every inbound payload is converted to.
//
// The gateway speaks two ad hoc outbound shapes — {content, sender} for
// synthetic system notices and {id, name, content} for user chat — plus typed
// event envelopes {type, payload}. There is no versioned envelope, so all
// fields here are optional and consumers pick the ones that apply.
type Message struct {
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Timestamp Timestamp       `json:"timestamp,omitzero"`

	// Bare chat-shape fields, set when the peer sent an unenveloped frame.
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`
}

// SystemPayload is the payload of a synthesized system_message envelope.
type SystemPayload struct {
	Content  string `json:"content"`
	IsSystem bool   `json:"is_system"`
}

// Inbound is the result of parsing a raw frame. Exactly one branch is set.
type Inbound struct {
	Structured *Message
	PlainText  string
}

// ParseInbound attempts a structured JSON parse of a raw frame. Frames that
// are not JSON objects come back as PlainText; nothing is ever discarded.
func ParseInbound(data []byte) Inbound {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return Inbound{PlainText: string(data)}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{PlainText: string(data)}
	}
	return Inbound{Structured: &msg}
}

// Message normalizes the parse result. Plain-text frames are wrapped as a
// synthetic system message rather than dropped.
func (in Inbound) Message() Message {
	if in.Structured != nil {
		return *in.Structured
	}

	payload, _ := json.Marshal(SystemPayload{Content: in.PlainText, IsSystem: true})
	return Message{
		Type:    MessageTypeSystem,
		Payload: payload,
	}
}

// ChatFrame builds the outbound user chat shape.
func ChatFrame(id, name, content string) json.RawMessage {
	frame, _ := json.Marshal(struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Content string `json:"content"`
	}{ID: id, Name: name, Content: content})
	return frame
}

// SystemFrame builds the outbound synthetic-notice shape.
func SystemFrame(content string) json.RawMessage {
	frame, _ := json.Marshal(struct {
		Content string `json:"content"`
		Sender  string `json:"sender"`
	}{Content: content, Sender: SenderSystem})
	return frame
}

// EventFrame builds a typed request envelope such as FindWorkspace.
func EventFrame(eventType string, payload any) (json.RawMessage, error) {
	frame, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: eventType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	return frame, nil
}

// Timestamp is a time value that tolerates the formats seen on the wire:
// RFC 3339 strings, epoch milliseconds, and epoch seconds.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON coerces string or numeric timestamps. Unrecognized values
// leave the timestamp zero rather than failing the whole message.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, str); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return nil
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	// Heuristic: values past the year 2286 in seconds are milliseconds.
	if n > 1e12 {
		t.Time = time.UnixMilli(int64(n)).UTC()
	} else {
		t.Time = time.Unix(int64(n), 0).UTC()
	}
	return nil
}

// MarshalJSON writes RFC 3339, or null for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool { return t.Time.IsZero() }
