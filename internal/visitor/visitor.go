// ABOUTME: Visitor record model and chat-log normalization for workspace pushes.
// ABOUTME: Visitors are externally owned; this package only derives views of them.

package visitor

import (
	"strings"
	"time"

	"github.com/perchchat/perch/internal/transport"
)

// Status is a visitor's presence status as reported by the gateway.
type Status string

const (
	StatusLiveAgent Status = "live-agent"
	StatusIdle      Status = "idle"
	StatusAway      Status = "away"
	StatusLeft      Status = "left"
)

// Sender identifies who authored a chat-log entry.
type Sender string

const (
	SenderSystem Sender = "system"
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
)

// agentLeftMarker is the content fragment that tags an agent-departure
// system entry. The gateway writes these as free text, so detection is a
// substring match.
const agentLeftMarker = "left the chat"

// joinedContent is the synthetic entry prepended during normalization.
const joinedContent = "Visitor has joined the chat."

// ChatEntry is one entry of a visitor's ordered chat log. Entries are in
// chronological append order and are never reordered here.
type ChatEntry struct {
	Sender    Sender              `json:"sender"`
	Content   string              `json:"content"`
	Timestamp transport.Timestamp `json:"timestamp,omitzero"`
	Hidden    bool                `json:"is_hidden,omitempty"`
}

// isAgentLeft reports whether this entry marks an agent leaving. Hidden
// entries never count.
func (e ChatEntry) isAgentLeft() bool {
	return e.Sender == SenderSystem && !e.Hidden && strings.Contains(e.Content, agentLeftMarker)
}

// Visitor is a record pushed by the gateway. The subsystem never creates
// or mutates visitors at the source; classification derives views only.
type Visitor struct {
	ID     string      `json:"id"`
	Status Status      `json:"status"`
	Agents []string    `json:"agent"`
	Chats  []ChatEntry `json:"chats"`
}

// latestAgentLeftIdx returns the index of the last non-hidden system entry
// signalling an agent left, or -1.
func (v Visitor) latestAgentLeftIdx() int {
	for i := len(v.Chats) - 1; i >= 0; i-- {
		if v.Chats[i].isAgentLeft() {
			return i
		}
	}
	return -1
}

// latestUserMsgIdx returns the index of the last user-sent entry, or -1.
func (v Visitor) latestUserMsgIdx() int {
	for i := len(v.Chats) - 1; i >= 0; i-- {
		if v.Chats[i].Sender == SenderUser {
			return i
		}
	}
	return -1
}

// Normalize prepares a pushed visitor record for classification: it
// prepends a synthetic "joined" system entry stamped with the first real
// entry's timestamp (or now when the log is empty), then collapses
// immediately-adjacent system entries with identical content, keeping the
// first occurrence. The input is not modified.
func Normalize(v Visitor, now time.Time) Visitor {
	joinedAt := now
	if len(v.Chats) > 0 && !v.Chats[0].Timestamp.IsZero() {
		joinedAt = v.Chats[0].Timestamp.Time
	}

	chats := make([]ChatEntry, 0, len(v.Chats)+1)
	chats = append(chats, ChatEntry{
		Sender:    SenderSystem,
		Content:   joinedContent,
		Timestamp: transport.Timestamp{Time: joinedAt},
	})
	chats = append(chats, v.Chats...)

	v.Chats = collapseAdjacentSystem(chats)
	return v
}

// collapseAdjacentSystem drops a system entry when the entry directly
// before it is also a system entry with the same content. Non-adjacent
// repeats survive.
func collapseAdjacentSystem(chats []ChatEntry) []ChatEntry {
	out := chats[:0:0]
	for _, entry := range chats {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Sender == SenderSystem && entry.Sender == SenderSystem && prev.Content == entry.Content {
				continue
			}
		}
		out = append(out, entry)
	}
	return out
}
