// ABOUTME: Bounded pool of shared gateway connections keyed by room and agent identity.
// ABOUTME: At capacity the least-recently-inserted connection is evicted and disconnected.

package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/perchchat/perch/internal/clock"
	"github.com/perchchat/perch/internal/queue"
)

// DefaultPoolCapacity bounds concurrent gateway connections per pool.
const DefaultPoolCapacity = 10

// TokenSource mints an auth token for a connecting agent identity.
type TokenSource interface {
	Token(agentID, agentName string) (string, error)
}

// PoolConfig configures a connection pool. The pool is an explicitly
// constructed service object: build one at the composition root and pass it
// to consumers rather than reaching for a package global.
type PoolConfig struct {
	Host     string // gateway host; DefaultHost when empty
	TLS      bool
	Capacity int // 0 means DefaultPoolCapacity

	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration

	Dialer Dialer
	Queue  queue.Store
	Clock  clock.Clock
	Tokens TokenSource // optional; attaches Authorization headers when set
	Logger *slog.Logger
}

func (c *PoolConfig) norm() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultPoolCapacity
	}
	if c.Dialer == nil {
		c.Dialer = NewWebSocketDialer()
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

// Key derives the pool key for a room and agent identity. Missing parts are
// substituted with the empty string, so two callers that both omit them
// share a slot by design. The key is not stable across agent identity
// changes mid-session — callers re-derive it when identity changes.
func Key(roomID, agentID string) string {
	return roomID + ":" + agentID
}

// Pool owns at most Capacity live connections, one per key.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	order []string // insertion order, oldest first
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	cfg.norm()
	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "pool"),
		conns:  make(map[string]*Conn),
	}
}

// Get returns the shared connection for the derived key, creating it if
// needed. When the pool is full, the oldest entry is evicted and forcibly
// disconnected first — even if other callers still hold it. That trade-off
// keeps the bound hard; see DESIGN.md before changing it.
//
// The returned connection is not dialed automatically; call Connect on it.
func (p *Pool) Get(roomID, agentID, agentName string) *Conn {
	key := Key(roomID, agentID)

	p.mu.Lock()
	if conn, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return conn
	}

	var evicted *Conn
	if len(p.conns) >= p.cfg.Capacity {
		oldest := p.order[0]
		evicted = p.conns[oldest]
		p.order = p.order[1:]
		delete(p.conns, oldest)
		p.logger.Warn("pool at capacity, evicting oldest connection",
			"evicted_key", oldest, "new_key", key)
	}

	conn := p.newConn(key, roomID, agentID, agentName)
	p.conns[key] = conn
	p.order = append(p.order, key)
	p.mu.Unlock()

	// Disconnect outside the pool lock; the connection's detach hook
	// re-enters the pool.
	if evicted != nil {
		evicted.Disconnect(false, false)
	}

	p.logger.Debug("connection created", "conn_key", key, "total", p.Len())
	return conn
}

// newConn builds the managed connection for a key. Caller holds p.mu.
func (p *Pool) newConn(key, roomID, agentID, agentName string) *Conn {
	header := http.Header{}
	if p.cfg.Tokens != nil {
		token, err := p.cfg.Tokens.Token(agentID, agentName)
		if err != nil {
			p.logger.Error("minting connection token failed", "agent_id", agentID, "error", err)
		} else {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn := NewConn(ConnConfig{
		Key:                  key,
		URL:                  URLFor(p.cfg.Host, roomID, p.cfg.TLS),
		AgentID:              agentID,
		AgentName:            agentName,
		Header:               header,
		MaxReconnectAttempts: p.cfg.MaxReconnectAttempts,
		ReconnectBase:        p.cfg.ReconnectBase,
		ReconnectMax:         p.cfg.ReconnectMax,
		Dialer:               p.cfg.Dialer,
		Queue:                p.cfg.Queue,
		Clock:                p.cfg.Clock,
		Logger:               p.cfg.Logger,
	})
	conn.SetOnRemove(func() { p.forget(key, conn) })
	return conn
}

// forget drops the pool entry if it still points at conn. Disconnected
// connections detach themselves through this hook, so it must tolerate
// entries that were already evicted or replaced.
func (p *Pool) forget(key string, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conns[key] != conn {
		return
	}
	delete(p.conns, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Remove disconnects and deletes the connection for the derived key.
// No-op if absent.
func (p *Pool) Remove(roomID, agentID string) {
	key := Key(roomID, agentID)

	p.mu.Lock()
	conn, ok := p.conns[key]
	p.mu.Unlock()

	if !ok {
		return
	}
	conn.Disconnect(false, false)
}

// Cleanup disconnects and clears every pooled connection. Used at
// application teardown.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Disconnect(false, false)
	}

	p.mu.Lock()
	p.conns = make(map[string]*Conn)
	p.order = nil
	p.mu.Unlock()

	p.logger.Info("pool cleaned up", "disconnected", len(conns))
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Stats describes the pool's current occupancy.
type Stats struct {
	Capacity int
	Size     int
	Keys     []string // insertion order, oldest first
}

// Stats returns a snapshot of pool occupancy for operator tooling.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return Stats{Capacity: p.cfg.Capacity, Size: len(p.conns), Keys: keys}
}
