// ABOUTME: Grace-window tracker for freshly-seen unattended visitors.
// ABOUTME: Each entry expires on its own timer; membership never feeds classification.

package visitor

import (
	"sync"
	"time"

	"github.com/perchchat/perch/internal/clock"
)

// DefaultGraceWindow is how long a newly-detected unattended visitor stays
// in the pending-active set.
const DefaultGraceWindow = 1500 * time.Millisecond

// PendingActive tracks visitors that just appeared without an assigned
// agent and without an agent-left marker in their log. Each tracked visitor
// is held for the grace window, then dropped automatically. The set is a
// transient affordance for consumers; the classifier ignores it.
type PendingActive struct {
	clk   clock.Clock
	grace time.Duration

	mu     sync.Mutex
	closed bool
	timers map[string]clock.Timer
	seen   map[string]struct{} // every ID in the latest snapshot
}

// NewPendingActive creates a tracker. A zero grace means DefaultGraceWindow.
func NewPendingActive(clk clock.Clock, grace time.Duration) *PendingActive {
	if clk == nil {
		clk = clock.New()
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &PendingActive{
		clk:    clk,
		grace:  grace,
		timers: make(map[string]clock.Timer),
		seen:   make(map[string]struct{}),
	}
}

// Observe diffs a fresh visitor snapshot against the previous one. Eligible
// visitors appearing for the first time start a grace timer; visitors that
// vanished from the snapshot are forgotten so a later return re-triggers
// the window.
func (p *PendingActive) Observe(visitors []Visitor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	current := make(map[string]struct{}, len(visitors))
	for _, v := range visitors {
		current[v.ID] = struct{}{}

		if _, ok := p.seen[v.ID]; ok {
			continue
		}
		if len(v.Agents) > 0 || v.latestAgentLeftIdx() >= 0 {
			continue
		}

		id := v.ID
		p.timers[id] = p.clk.AfterFunc(p.grace, func() { p.expire(id) })
	}

	// Forget departures; stop any timer still running for them.
	for id := range p.seen {
		if _, ok := current[id]; !ok {
			if t, tracked := p.timers[id]; tracked {
				t.Stop()
				delete(p.timers, id)
			}
		}
	}
	p.seen = current
}

func (p *PendingActive) expire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.timers, id)
}

// Contains reports whether a visitor is inside its grace window.
func (p *PendingActive) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[id]
	return ok
}

// IDs returns the visitors currently inside their grace window.
func (p *PendingActive) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.timers))
	for id := range p.timers {
		out = append(out, id)
	}
	return out
}

// Close cancels every outstanding timer. Further Observe calls are no-ops.
func (p *PendingActive) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
