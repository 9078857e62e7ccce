// ABOUTME: Store interface for the durable outbound message queue.
// ABOUTME: Queues are persisted per connection key as a JSON array of raw frames.

package queue

import (
	"context"
	"encoding/json"
)

// A queue survives process restarts: frames that could not be sent while a
// connection was down are written through to a Store and replayed in FIFO
// order on the next successful open.

// Store persists the pending outbound frames for a connection key.
//
// Implementations must treat the payload as opaque: frames are stored and
// returned in the exact order given. A corrupt or unreadable record is
// equivalent to an empty queue — Load never fails a connection because of
// bad persisted data.
type Store interface {
	// Load returns the persisted queue for key, oldest first.
	// A missing or unparseable record yields an empty slice and nil error.
	Load(ctx context.Context, key string) ([]json.RawMessage, error)

	// Save replaces the persisted queue for key with frames.
	Save(ctx context.Context, key string, frames []json.RawMessage) error

	// Clear removes the persisted queue for key.
	Clear(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// encode marshals frames to the stored JSON-array form.
func encode(frames []json.RawMessage) ([]byte, error) {
	if frames == nil {
		frames = []json.RawMessage{}
	}
	return json.Marshal(frames)
}

// decode parses a stored JSON array. Unparseable data resets to empty.
func decode(data []byte) []json.RawMessage {
	var frames []json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil
	}
	return frames
}
