// ABOUTME: Conn manages one gateway WebSocket's full lifecycle: dial, reconnect
// ABOUTME: with capped backoff, durable FIFO outbound queue, and listener fan-out.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/perchchat/perch/internal/clock"
	"github.com/perchchat/perch/internal/queue"
)

// State mirrors the last transport callback observed. It is not an
// independent state machine: a Conn reports connecting while a dial is in
// flight, connected after open, and disconnected or error after the
// corresponding callback.
type State string

// Connection states.
const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Reconnect defaults. Delay doubles per attempt from Base up to Max; after
// MaxAttempts consecutive failures the connection gives up silently.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = 30 * time.Second
)

// ConnConfig carries everything a Conn needs. The pool fills most of it.
type ConnConfig struct {
	Key       string // pool key, doubles as the durable queue storage key
	URL       string
	AgentID   string
	AgentName string
	Header    http.Header

	MaxReconnectAttempts int           // 0 means DefaultMaxReconnectAttempts
	ReconnectBase        time.Duration // 0 means DefaultReconnectBase
	ReconnectMax         time.Duration // 0 means DefaultReconnectMax

	Dialer Dialer
	Queue  queue.Store
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *ConnConfig) norm() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.Queue == nil {
		c.Queue = queue.NewMemoryStore()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is a managed connection to one gateway room. All exported methods are
// safe for concurrent use, and every one of them silently no-ops once the
// connection has been destroyed — late calls from torn-down callers must not
// panic or resurrect the transport.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu                sync.Mutex
	state             State
	sock              Socket
	pending           []json.RawMessage // outbound frames awaiting a connection, oldest first
	reconnectAttempts int
	reconnectTimer    clock.Timer
	manual            bool // manual disconnect suppresses auto-reconnect
	destroyed         bool
	everConnected     bool // join notice fires only on the first open of a session
	dialGen           int  // invalidates in-flight dials and read loops

	msgListeners    []listenerEntry[Message]
	statusListeners []listenerEntry[State]
	nextListenerID  int

	// onRemove detaches the connection from its pool on disconnect.
	onRemove func()
}

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

// NewConn builds a Conn and restores any persisted outbound queue for its
// key. It does not dial; call Connect.
func NewConn(cfg ConnConfig) *Conn {
	cfg.norm()
	c := &Conn{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "conn", "conn_key", cfg.Key),
		state:  StateDisconnected,
	}

	restored, err := cfg.Queue.Load(context.Background(), cfg.Key)
	if err != nil {
		// Lost durability is survivable; the in-memory queue still works.
		c.logger.Warn("failed to restore persisted queue", "error", err)
	}
	c.pending = restored
	if len(restored) > 0 {
		c.logger.Info("restored persisted outbound queue", "frames", len(restored))
	}
	return c
}

// Key returns the pool key this connection was created under.
func (c *Conn) Key() string { return c.cfg.Key }

// State returns the last observed transport state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of outbound frames awaiting a connection.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReconnectAttempts returns the current consecutive-retry counter.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// SetOnRemove registers the pool detach hook. The pool calls this once at
// construction time.
func (c *Conn) SetOnRemove(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemove = fn
}

// Connect starts a dial unless the connection is destroyed, already open, or
// already connecting. Safe to call repeatedly.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.destroyed || c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}

	// An explicit connect ends the suppression window a manual disconnect
	// started; transport failures after this point reconnect normally.
	c.manual = false
	c.state = StateConnecting
	c.dialGen++
	gen := c.dialGen
	notify := c.statusSnapshotLocked()
	c.mu.Unlock()

	c.fanOutStatus(notify, StateConnecting)
	go c.dial(gen)
}

// dial opens the socket off the caller's goroutine, then hands the result to
// the open/close handlers.
func (c *Conn) dial(gen int) {
	sock, err := c.cfg.Dialer.Dial(context.Background(), c.cfg.URL, c.cfg.Header)
	if err != nil {
		c.handleDialError(gen, err)
		return
	}
	c.handleOpen(gen, sock)
}

// handleDialError reports the error state, then defers retry scheduling to
// the shared close path. The error handler itself never schedules.
func (c *Conn) handleDialError(gen int, err error) {
	c.mu.Lock()
	if c.destroyed || gen != c.dialGen {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	notify := c.statusSnapshotLocked()
	c.mu.Unlock()

	c.logger.Warn("dial failed", "error", err)
	c.fanOutStatus(notify, StateError)
	c.handleClosed(gen)
}

// handleOpen wires up a freshly opened socket: reset the retry counter,
// flush the queue in FIFO order, emit the one-time join notice, and start
// the read loop.
func (c *Conn) handleOpen(gen int, sock Socket) {
	c.mu.Lock()
	if c.destroyed || gen != c.dialGen {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}

	c.sock = sock
	c.state = StateConnected
	c.reconnectAttempts = 0

	// Flush while holding the lock so a concurrent Send cannot jump ahead of
	// frames that were queued before reconnect.
	c.flushLocked()

	if !c.everConnected && !c.manual {
		c.everConnected = true
		c.writeLocked(SystemFrame(c.joinNotice()))
	}

	notify := c.statusSnapshotLocked()
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.cfg.URL)
	c.fanOutStatus(notify, StateConnected)
	go c.readLoop(gen, sock)
}

// flushLocked drains the pending queue to the socket in order. On a write
// failure the unsent remainder stays queued; the read loop will notice the
// dead socket and run the close path.
func (c *Conn) flushLocked() {
	for len(c.pending) > 0 {
		frame := c.pending[0]
		if err := c.sock.Write(frame); err != nil {
			c.logger.Warn("queue flush interrupted", "remaining", len(c.pending), "error", err)
			c.persistLocked()
			return
		}
		c.pending = c.pending[1:]
	}
	c.pending = nil
	c.persistLocked()
}

// readLoop pumps inbound frames until the socket dies.
func (c *Conn) readLoop(gen int, sock Socket) {
	for {
		data, err := sock.Read()
		if err != nil {
			c.handleClosed(gen)
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage normalizes one inbound frame and fans it out.
func (c *Conn) handleMessage(data []byte) {
	msg := ParseInbound(data).Message()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	listeners := make([]listenerEntry[Message], len(c.msgListeners))
	copy(listeners, c.msgListeners)
	c.mu.Unlock()

	for _, l := range listeners {
		c.deliver(func() { l.fn(msg) })
	}
}

// handleClosed runs after an unexpected socket loss (read error or failed
// dial). Manual disconnects and destroys never reach here because they bump
// the dial generation first.
func (c *Conn) handleClosed(gen int) {
	c.mu.Lock()
	if c.destroyed || gen != c.dialGen {
		c.mu.Unlock()
		return
	}

	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.state = StateDisconnected
	notify := c.statusSnapshotLocked()

	schedule := !c.manual && c.reconnectAttempts < c.cfg.MaxReconnectAttempts
	if schedule {
		delay := c.reconnectDelayLocked()
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.reconnectTimer = c.cfg.Clock.AfterFunc(delay, c.Connect)
		c.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	} else if !c.manual {
		// Out of retries. Callers observing a persistent disconnected state
		// are responsible for surfacing it.
		c.logger.Warn("giving up after max reconnect attempts",
			"attempts", c.reconnectAttempts)
	}
	c.mu.Unlock()

	c.fanOutStatus(notify, StateDisconnected)
}

// reconnectDelayLocked computes min(base * 2^attempts, max).
func (c *Conn) reconnectDelayLocked() time.Duration {
	delay := c.cfg.ReconnectBase << uint(c.reconnectAttempts)
	if delay > c.cfg.ReconnectMax || delay <= 0 {
		delay = c.cfg.ReconnectMax
	}
	return delay
}

// Disconnect closes the connection. manual records whether the caller asked
// for this (suppressing auto-reconnect); a manual, non-minimized disconnect
// announces the agent's departure before closing. The connection detaches
// from its pool either way.
func (c *Conn) Disconnect(minimize, manual bool) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	c.manual = manual
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	if manual && !minimize && c.sock != nil && c.state == StateConnected {
		c.writeLocked(SystemFrame(c.leaveNotice()))
	}

	c.dialGen++ // invalidate any in-flight dial or read loop
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.reconnectAttempts = 0
	c.state = StateDisconnected
	notify := c.statusSnapshotLocked()
	remove := c.onRemove
	c.mu.Unlock()

	c.fanOutStatus(notify, StateDisconnected)
	if remove != nil {
		remove()
	}
}

// Destroy irreversibly tears the connection down: disconnect, drop all
// listeners, clear the queue (memory and persisted), and disable every
// public method. Idempotent.
func (c *Conn) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.Disconnect(false, false)

	c.mu.Lock()
	c.destroyed = true
	c.msgListeners = nil
	c.statusListeners = nil
	c.pending = nil
	c.mu.Unlock()

	if err := c.cfg.Queue.Clear(context.Background(), c.cfg.Key); err != nil {
		c.logger.Warn("failed to clear persisted queue", "error", err)
	}
	c.logger.Debug("connection destroyed")
}

// SendChat sends a user-authored chat message, queueing it durably if the
// connection is down.
func (c *Conn) SendChat(id, name, content string) {
	c.send(ChatFrame(id, name, content))
}

// SendSystem sends a synthetic system notice.
func (c *Conn) SendSystem(content string) {
	c.send(SystemFrame(content))
}

// SendEvent sends a typed request envelope such as FindWorkspace.
func (c *Conn) SendEvent(eventType string, payload any) {
	frame, err := EventFrame(eventType, payload)
	if err != nil {
		c.logger.Error("dropping unencodable event", "type", eventType, "error", err)
		return
	}
	c.send(frame)
}

// send writes immediately when connected, otherwise queues and persists.
// Frames are never dropped short of an explicit queue clear.
func (c *Conn) send(frame json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}

	if c.state == StateConnected && c.sock != nil {
		if err := c.sock.Write(frame); err == nil {
			return
		}
		// A failed write means the socket is dying; keep the frame. The read
		// loop will run the close path shortly.
	}

	c.pending = append(c.pending, frame)
	c.persistLocked()
}

// writeLocked is a best-effort immediate write for synthetic notices.
func (c *Conn) writeLocked(frame json.RawMessage) {
	if c.sock == nil {
		return
	}
	if err := c.sock.Write(frame); err != nil {
		c.logger.Debug("synthetic notice write failed", "error", err)
	}
}

// persistLocked writes the queue through to durable storage. Persistence
// failures are logged and swallowed — durability degrades, delivery doesn't.
func (c *Conn) persistLocked() {
	if err := c.cfg.Queue.Save(context.Background(), c.cfg.Key, c.pending); err != nil {
		c.logger.Warn("failed to persist outbound queue", "error", err)
	}
}

// AddMessageListener registers fn for normalized inbound messages and
// returns its unregister func. Listeners are a plain ordered list; the same
// func may be registered twice.
func (c *Conn) AddMessageListener(fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return func() {}
	}
	c.nextListenerID++
	id := c.nextListenerID
	c.msgListeners = append(c.msgListeners, listenerEntry[Message]{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.msgListeners {
			if l.id == id {
				c.msgListeners = append(c.msgListeners[:i], c.msgListeners[i+1:]...)
				return
			}
		}
	}
}

// AddStatusListener registers fn for state changes and returns its
// unregister func.
func (c *Conn) AddStatusListener(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return func() {}
	}
	c.nextListenerID++
	id := c.nextListenerID
	c.statusListeners = append(c.statusListeners, listenerEntry[State]{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.statusListeners {
			if l.id == id {
				c.statusListeners = append(c.statusListeners[:i], c.statusListeners[i+1:]...)
				return
			}
		}
	}
}

// statusSnapshotLocked copies the status listener list for fan-out after the
// lock is released.
func (c *Conn) statusSnapshotLocked() []listenerEntry[State] {
	out := make([]listenerEntry[State], len(c.statusListeners))
	copy(out, c.statusListeners)
	return out
}

func (c *Conn) fanOutStatus(listeners []listenerEntry[State], s State) {
	for _, l := range listeners {
		c.deliver(func() { l.fn(s) })
	}
}

// deliver runs one listener with a panic guard so a failing listener cannot
// block delivery to the rest.
func (c *Conn) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (c *Conn) joinNotice() string {
	return fmt.Sprintf("%s has joined the chat.", c.agentDisplayName())
}

func (c *Conn) leaveNotice() string {
	return fmt.Sprintf("%s left the chat.", c.agentDisplayName())
}

func (c *Conn) agentDisplayName() string {
	if c.cfg.AgentName != "" {
		return c.cfg.AgentName
	}
	return "Agent"
}
