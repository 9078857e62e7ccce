// ABOUTME: Tests for visitor bucket classification: precedence, chat-log
// ABOUTME: ordering signals, and disjointness of the derived sets.

package visitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chat(sender Sender, content string) ChatEntry {
	return ChatEntry{Sender: sender, Content: content}
}

func hiddenChat(sender Sender, content string) ChatEntry {
	return ChatEntry{Sender: sender, Content: content, Hidden: true}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name    string
		visitor Visitor
		want    Bucket
	}{
		{
			name:    "status away is left",
			visitor: Visitor{ID: "v", Status: StatusAway},
			want:    BucketLeft,
		},
		{
			name:    "status left is left",
			visitor: Visitor{ID: "v", Status: StatusLeft},
			want:    BucketLeft,
		},
		{
			name: "status left with assigned agent still resolves to left",
			// Satisfies the served predicate too; precedence decides.
			visitor: Visitor{ID: "v", Status: StatusLeft, Agents: []string{"agent-1"}},
			want:    BucketLeft,
		},
		{
			name:    "assigned agent is served",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent, Agents: []string{"agent-1"}},
			want:    BucketServed,
		},
		{
			name:    "assigned agent with idle status is served",
			visitor: Visitor{ID: "v", Status: StatusIdle, Agents: []string{"agent-1"}},
			want:    BucketServed,
		},
		{
			name: "user message with no agent-left marker is incoming",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent, Chats: []ChatEntry{
				chat(SenderUser, "hello?"),
			}},
			want: BucketIncoming,
		},
		{
			name: "user message after agent-left marker is incoming",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent, Chats: []ChatEntry{
				chat(SenderAgent, "handing off"),
				chat(SenderUser, "ok"),
				chat(SenderSystem, "Agent Dana left the chat."),
				chat(SenderSystem, "transferring"),
				chat(SenderAgent, "stale"),
				chat(SenderUser, "anyone there?"),
			}},
			want: BucketIncoming,
		},
		{
			name: "user message before agent-left marker is active",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent, Chats: []ChatEntry{
				chat(SenderAgent, "hi"),
				chat(SenderUser, "thanks, bye"),
				chat(SenderSystem, "Agent Dana left the chat."),
			}},
			want: BucketActive,
		},
		{
			name: "hidden agent-left marker does not count",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent, Chats: []ChatEntry{
				chat(SenderUser, "hello?"),
				hiddenChat(SenderSystem, "Agent Dana left the chat."),
			}},
			want: BucketIncoming,
		},
		{
			name: "idle status with no qualifying user message is idle",
			visitor: Visitor{ID: "v", Status: StatusIdle, Chats: []ChatEntry{
				chat(SenderSystem, "Visitor has joined the chat."),
			}},
			want: BucketIdle,
		},
		{
			name: "idle status with qualifying user message is incoming",
			visitor: Visitor{ID: "v", Status: StatusIdle, Chats: []ChatEntry{
				chat(SenderUser, "hello?"),
			}},
			want: BucketIncoming,
		},
		{
			name:    "no chats and no agent is active",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent},
			want:    BucketActive,
		},
		{
			name: "agent-left marker with no user message after it is active",
			visitor: Visitor{ID: "v", Status: StatusLiveAgent, Chats: []ChatEntry{
				chat(SenderSystem, "Agent Dana left the chat."),
			}},
			want: BucketActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classification(tt.visitor))
		})
	}
}

func TestClassify_BucketsAreDisjointAndExhaustive(t *testing.T) {
	visitors := []Visitor{
		{ID: "left", Status: StatusAway},
		{ID: "served", Status: StatusLiveAgent, Agents: []string{"a"}},
		{ID: "incoming", Status: StatusLiveAgent, Chats: []ChatEntry{chat(SenderUser, "hi")}},
		{ID: "idle", Status: StatusIdle},
		{ID: "active", Status: StatusLiveAgent},
	}

	b := Classify(visitors)

	assert.Equal(t, len(visitors), b.Total())
	seen := map[string]int{}
	for _, group := range [][]Visitor{b.Left, b.Served, b.Incoming, b.Idle, b.Active} {
		for _, v := range group {
			seen[v.ID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "visitor %s appears in %d buckets", id, n)
	}

	assert.Equal(t, "left", b.Left[0].ID)
	assert.Equal(t, "served", b.Served[0].ID)
	assert.Equal(t, "incoming", b.Incoming[0].ID)
	assert.Equal(t, "idle", b.Idle[0].ID)
	assert.Equal(t, "active", b.Active[0].ID)
}

func TestClassify_IsPureAndRepeatable(t *testing.T) {
	visitors := []Visitor{
		{ID: "a", Status: StatusIdle},
		{ID: "b", Status: StatusLiveAgent, Chats: []ChatEntry{chat(SenderUser, "hey")}},
	}

	first := Classify(visitors)
	second := Classify(visitors)

	assert.Equal(t, first, second)
}
