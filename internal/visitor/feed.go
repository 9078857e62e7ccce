// ABOUTME: Live workspace visitor feed: subscribes to gateway pushes, reclassifies
// ABOUTME: on every update, and fans snapshots out to observers.

package visitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perchchat/perch/internal/clock"
	"github.com/perchchat/perch/internal/transport"
)

// subscriberBufferSize is the channel buffer for each snapshot observer.
const subscriberBufferSize = 64

// Connection is the slice of a pooled connection the feed needs. Satisfied
// by *transport.Conn.
type Connection interface {
	AddMessageListener(fn func(transport.Message)) func()
	SendEvent(eventType string, payload any)
}

// Snapshot is one classification pass over the workspace's visitors,
// published to every observer after each gateway push.
type Snapshot struct {
	Visitors []Visitor
	Buckets  Buckets
	Pending  []string // visitor IDs inside the grace window
	At       time.Time
}

// workspacePush is the payload shape of a workspace:<id> event.
type workspacePush struct {
	Visitors []Visitor `json:"visitors"`
}

// FeedConfig configures a workspace feed.
type FeedConfig struct {
	WorkspaceID string
	Conn        Connection
	Clock       clock.Clock
	Grace       time.Duration // pending-active window; 0 means default
	Logger      *slog.Logger
}

// Feed consumes workspace-scoped pushes from a pooled connection and keeps
// a classified view of the visitor collection. It does not own the
// connection: Close unregisters its listener but leaves the transport
// alive for other consumers.
type Feed struct {
	workspaceID string
	conn        Connection
	clk         clock.Clock
	logger      *slog.Logger
	pendingSet  *PendingActive

	mu         sync.Mutex
	alive      bool
	unregister func()
	last       Snapshot
	subs       map[string]chan Snapshot
	lookups    map[string]chan transport.Message // sessionID -> keyed response
}

// NewFeed registers a message listener on the connection and issues the
// workspace subscription request. Pushes start flowing as soon as the
// connection delivers them; the caller connects the transport.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f := &Feed{
		workspaceID: cfg.WorkspaceID,
		conn:        cfg.Conn,
		clk:         cfg.Clock,
		logger:      cfg.Logger.With("component", "feed", "workspace_id", cfg.WorkspaceID),
		pendingSet:  NewPendingActive(cfg.Clock, cfg.Grace),
		alive:       true,
		subs:        make(map[string]chan Snapshot),
		lookups:     make(map[string]chan transport.Message),
	}

	f.unregister = cfg.Conn.AddMessageListener(f.handleMessage)
	cfg.Conn.SendEvent("FindWorkspace", map[string]string{"workspace_id": cfg.WorkspaceID})
	return f
}

// Refresh re-issues the workspace subscription request. Useful after the
// underlying connection was replaced.
func (f *Feed) Refresh() {
	f.mu.Lock()
	alive := f.alive
	f.mu.Unlock()
	if !alive {
		return
	}
	f.conn.SendEvent("FindWorkspace", map[string]string{"workspace_id": f.workspaceID})
}

func (f *Feed) handleMessage(m transport.Message) {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	switch {
	case m.Type == "workspace:"+f.workspaceID:
		f.handlePush(m)
	case strings.HasPrefix(m.Type, "findOne:"):
		f.handleLookupResponse(strings.TrimPrefix(m.Type, "findOne:"), m)
	}
}

func (f *Feed) handlePush(m transport.Message) {
	var push workspacePush
	if err := json.Unmarshal(m.Payload, &push); err != nil {
		f.logger.Warn("discarding malformed workspace push", "error", err)
		return
	}

	now := f.clk.Now()
	visitors := make([]Visitor, len(push.Visitors))
	for i, v := range push.Visitors {
		visitors[i] = Normalize(v, now)
	}

	f.pendingSet.Observe(visitors)

	snap := Snapshot{
		Visitors: visitors,
		Buckets:  Classify(visitors),
		Pending:  f.pendingSet.IDs(),
		At:       now,
	}

	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return
	}
	f.last = snap
	targets := make([]chan Snapshot, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- snap:
		default:
			// Slow observer; it will catch up on the next push.
			f.logger.Debug("dropped snapshot for slow subscriber")
		}
	}
}

func (f *Feed) handleLookupResponse(sessionID string, m transport.Message) {
	f.mu.Lock()
	ch, ok := f.lookups[sessionID]
	if ok {
		delete(f.lookups, sessionID)
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	ch <- m
	close(ch)
}

// Subscribe registers an observer for classification snapshots. Returns the
// snapshot channel and a subscription ID; the subscription is removed when
// ctx is cancelled or via Unsubscribe.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Snapshot, string) {
	subID := uuid.NewString()
	ch := make(chan Snapshot, subscriberBufferSize)

	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		close(ch)
		return ch, subID
	}
	f.subs[subID] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.Unsubscribe(subID)
	}()

	f.logger.Debug("subscriber added", "sub_id", subID)
	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Feed) Unsubscribe(subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[subID]
	if !ok {
		return
	}
	delete(f.subs, subID)
	close(ch)
}

// Latest returns the most recent snapshot. Zero value before the first push.
func (f *Feed) Latest() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// LeftVisitor fetches a single visitor record by session ID via the
// gateway's one-shot lookup. It resolves nil on every failure mode:
// closed feed, cancelled context, or an undecodable response. There is no
// protocol-level timeout; callers bound the wait with ctx.
func (f *Feed) LeftVisitor(ctx context.Context, sessionID string) *Visitor {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return nil
	}
	if _, exists := f.lookups[sessionID]; exists {
		// A lookup for this session is already in flight; don't race it.
		f.mu.Unlock()
		return nil
	}
	ch := make(chan transport.Message, 1)
	f.lookups[sessionID] = ch
	f.mu.Unlock()

	f.conn.SendEvent("FindOneVisitor", map[string]string{"session_id": sessionID})

	select {
	case m, ok := <-ch:
		if !ok {
			return nil
		}
		return f.decodeVisitor(m)
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.lookups, sessionID)
		f.mu.Unlock()
		return nil
	}
}

func (f *Feed) decodeVisitor(m transport.Message) *Visitor {
	var v Visitor
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		f.logger.Warn("discarding malformed lookup response", "error", err)
		return nil
	}
	v = Normalize(v, f.clk.Now())
	return &v
}

// Close tears the feed down: flips the liveness flag so in-flight callbacks
// no-op, cancels grace timers, unregisters the connection listener, and
// resolves outstanding lookups as nil. The pooled connection stays alive.
func (f *Feed) Close() {
	f.mu.Lock()
	if !f.alive {
		f.mu.Unlock()
		return
	}
	f.alive = false

	unregister := f.unregister
	f.unregister = nil

	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	for id, ch := range f.lookups {
		close(ch)
		delete(f.lookups, id)
	}
	f.mu.Unlock()

	f.pendingSet.Close()
	if unregister != nil {
		unregister()
	}
	f.logger.Debug("feed closed")
}
