// ABOUTME: Tests for Conn lifecycle: connect, reconnect backoff, durable queue flush,
// ABOUTME: manual disconnect vs destroy, and listener fan-out isolation.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchchat/perch/internal/clock"
	"github.com/perchchat/perch/internal/queue"
)

// fakeSocket is a scriptable in-memory Socket.
type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSocket) Read() ([]byte, error) {
	select {
	case data := <-s.incoming:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(data []byte) { s.incoming <- data }

func (s *fakeSocket) writtenFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *fakeSocket) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// fakeDialer pops scripted outcomes; when the script runs out it keeps
// returning the configured default.
type fakeDialer struct {
	mu            sync.Mutex
	script        []dialOutcome
	dials         atomic.Int32
	failByDefault bool
}

type dialOutcome struct {
	sock *fakeSocket
	err  error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header) (Socket, error) {
	d.dials.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.script) > 0 {
		out := d.script[0]
		d.script = d.script[1:]
		if out.err != nil {
			return nil, out.err
		}
		return out.sock, nil
	}
	if d.failByDefault {
		return nil, errors.New("dial refused")
	}
	return newFakeSocket(), nil
}

func (d *fakeDialer) queueSocket(s *fakeSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, dialOutcome{sock: s})
}

func (d *fakeDialer) queueError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, dialOutcome{err: err})
}

// statusRecorder collects state transitions for assertions.
type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *statusRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *statusRecorder) count(want State) int {
	n := 0
	for _, s := range r.snapshot() {
		if s == want {
			n++
		}
	}
	return n
}

func newTestConn(t *testing.T, dialer *fakeDialer, store queue.Store, clk clock.Clock) *Conn {
	t.Helper()
	if store == nil {
		store = queue.NewMemoryStore()
	}
	if clk == nil {
		clk = clock.NewFake()
	}
	return NewConn(ConnConfig{
		Key:       "room-1:agent-1",
		URL:       "ws://test/ws/agent/room-1",
		AgentID:   "agent-1",
		AgentName: "Dana",
		Dialer:    dialer,
		Queue:     store,
		Clock:     clk,
	})
}

func waitForState(t *testing.T, c *Conn, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "waiting for state %s", want)
}

func TestConn_ConnectTransitionsAndJoinNotice(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)
	rec := &statusRecorder{}
	c.AddStatusListener(rec.record)

	c.Connect()
	waitForState(t, c, StateConnected)

	assert.Equal(t, []State{StateConnecting, StateConnected}, rec.snapshot())

	frames := sock.writtenFrames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"content":"Dana has joined the chat.","sender":"system"}`, string(frames[0]))
}

func TestConn_ConnectIsIdempotentWhileOpen(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.queueSocket(newFakeSocket())

	c := newTestConn(t, dialer, nil, nil)
	c.Connect()
	waitForState(t, c, StateConnected)

	c.Connect()
	c.Connect()

	// Give any stray dial goroutine a beat to run.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load(), "repeat Connect while open must not redial")
}

func TestConn_QueueFlushesFIFOOnConnect(t *testing.T) {
	store := queue.NewMemoryStore()
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, store, nil)

	c.SendChat("v1", "Visitor", "m1")
	c.SendChat("v1", "Visitor", "m2")
	c.SendChat("v1", "Visitor", "m3")
	assert.Equal(t, 3, c.QueueLen())

	// Queued frames are written through before any connection exists.
	persisted, err := store.Load(t.Context(), "room-1:agent-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	c.Connect()
	waitForState(t, c, StateConnected)

	frames := sock.writtenFrames()
	require.GreaterOrEqual(t, len(frames), 3)
	assert.JSONEq(t, `{"id":"v1","name":"Visitor","content":"m1"}`, string(frames[0]))
	assert.JSONEq(t, `{"id":"v1","name":"Visitor","content":"m2"}`, string(frames[1]))
	assert.JSONEq(t, `{"id":"v1","name":"Visitor","content":"m3"}`, string(frames[2]))

	assert.Equal(t, 0, c.QueueLen())
	persisted, err = store.Load(t.Context(), "room-1:agent-1")
	require.NoError(t, err)
	assert.Empty(t, persisted, "persisted queue must be empty immediately after flush")
}

func TestConn_SendsAfterReconnectFollowFlushedFrames(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)
	c.SendChat("v1", "Visitor", "queued")

	c.Connect()
	waitForState(t, c, StateConnected)
	c.SendChat("v1", "Visitor", "after")

	frames := sock.writtenFrames()
	require.Len(t, frames, 3) // queued, join notice, after
	assert.Contains(t, string(frames[0]), "queued")
	assert.Contains(t, string(frames[2]), "after")
}

func TestConn_QueueRestoredFromStore(t *testing.T) {
	store := queue.NewMemoryStore()
	first := newTestConn(t, &fakeDialer{}, store, nil)
	for i := range 4 {
		first.SendChat("v1", "Visitor", fmt.Sprintf("m%d", i))
	}

	// A fresh Conn for the same key — as after a process restart — sees the
	// same queue in the same order.
	second := newTestConn(t, &fakeDialer{}, store, nil)
	assert.Equal(t, 4, second.QueueLen())

	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)
	third := NewConn(ConnConfig{
		Key:    "room-1:agent-1",
		URL:    "ws://test/ws/agent/room-1",
		Dialer: dialer,
		Queue:  store,
		Clock:  clock.NewFake(),
	})
	third.Connect()
	waitForState(t, third, StateConnected)

	frames := sock.writtenFrames()
	require.GreaterOrEqual(t, len(frames), 4)
	for i := range 4 {
		assert.Contains(t, string(frames[i]), fmt.Sprintf("m%d", i))
	}
}

func TestConn_ReconnectBackoffDoublesAndGivesUp(t *testing.T) {
	clk := clock.NewFake()
	dialer := &fakeDialer{failByDefault: true}

	c := newTestConn(t, dialer, nil, clk)
	c.Connect()

	// First dial fails and schedules the first retry.
	require.Eventually(t, func() bool { return clk.Pending() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.ReconnectAttempts())

	// Retry delays double: 1s, 2s, 4s, 8s, 16s.
	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range delays {
		// Advancing just short of the deadline must not redial.
		clk.Advance(delay - 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		before := dialer.dials.Load()
		assert.Equal(t, int32(i+1), before, "retry %d fired early", i+1)

		clk.Advance(10 * time.Millisecond)
		require.Eventually(t, func() bool { return dialer.dials.Load() == before+1 },
			2*time.Second, 5*time.Millisecond, "retry %d did not dial", i+1)
		require.Eventually(t, func() bool { return clk.Pending() == 1 || c.ReconnectAttempts() == 5 },
			2*time.Second, 5*time.Millisecond)
	}

	// After five consecutive failures the connection gives up silently.
	require.Eventually(t, func() bool { return c.ReconnectAttempts() == 5 },
		2*time.Second, 5*time.Millisecond)
	clk.Advance(10 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(6), dialer.dials.Load(), "no retries past the attempt cap")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConn_AttemptCounterResetsOnSuccessfulOpen(t *testing.T) {
	clk := clock.NewFake()
	dialer := &fakeDialer{}
	dialer.queueError(errors.New("refused"))
	dialer.queueSocket(newFakeSocket())

	c := newTestConn(t, dialer, nil, clk)
	c.Connect()

	require.Eventually(t, func() bool { return c.ReconnectAttempts() == 1 },
		2*time.Second, 5*time.Millisecond)

	clk.Advance(time.Second)
	waitForState(t, c, StateConnected)
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestConn_UnexpectedCloseTriggersReconnect(t *testing.T) {
	clk := clock.NewFake()
	sock := newFakeSocket()
	next := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)
	dialer.queueSocket(next)

	c := newTestConn(t, dialer, nil, clk)
	c.Connect()
	waitForState(t, c, StateConnected)

	// Simulate the server dropping the socket.
	sock.Close()
	waitForState(t, c, StateDisconnected)
	require.Eventually(t, func() bool { return clk.Pending() == 1 },
		2*time.Second, 5*time.Millisecond)

	clk.Advance(time.Second)
	waitForState(t, c, StateConnected)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestConn_ManualDisconnectSendsLeaveNoticeAndSuppressesReconnect(t *testing.T) {
	clk := clock.NewFake()
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, clk)
	c.Connect()
	waitForState(t, c, StateConnected)

	c.Disconnect(false, true)

	assert.Equal(t, StateDisconnected, c.State())
	frames := sock.writtenFrames()
	last := frames[len(frames)-1]
	assert.JSONEq(t, `{"content":"Dana left the chat.","sender":"system"}`, string(last))

	assert.Equal(t, 0, clk.Pending(), "manual disconnect must not schedule a reconnect")
	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestConn_MinimizedManualDisconnectSkipsLeaveNotice(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)
	c.Connect()
	waitForState(t, c, StateConnected)
	joinOnly := len(sock.writtenFrames())

	c.Disconnect(true, true)

	assert.Len(t, sock.writtenFrames(), joinOnly, "minimized disconnect writes no notice")
}

func TestConn_ManualReconnectAllowedAfterManualDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.queueSocket(newFakeSocket())
	dialer.queueSocket(newFakeSocket())

	c := newTestConn(t, dialer, nil, nil)
	c.Connect()
	waitForState(t, c, StateConnected)

	c.Disconnect(false, true)
	assert.Equal(t, StateDisconnected, c.State())

	c.Connect()
	waitForState(t, c, StateConnected)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestConn_JoinNoticeOnlyOnFirstOpenOfSession(t *testing.T) {
	clk := clock.NewFake()
	first := newFakeSocket()
	second := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(first)
	dialer.queueSocket(second)

	c := newTestConn(t, dialer, nil, clk)
	c.Connect()
	waitForState(t, c, StateConnected)
	require.Len(t, first.writtenFrames(), 1)

	first.Close()
	waitForState(t, c, StateDisconnected)
	require.Eventually(t, func() bool { return clk.Pending() == 1 },
		2*time.Second, 5*time.Millisecond)
	clk.Advance(time.Second)
	waitForState(t, c, StateConnected)

	assert.Empty(t, second.writtenFrames(), "reopen within a session emits no second join notice")
}

func TestConn_DestroyDisablesEverything(t *testing.T) {
	store := queue.NewMemoryStore()
	dialer := &fakeDialer{}
	dialer.queueSocket(newFakeSocket())

	c := newTestConn(t, dialer, store, nil)
	c.SendChat("v1", "Visitor", "m1")
	c.Destroy()

	// Every public method is a silent no-op afterwards.
	c.Connect()
	c.SendChat("v1", "Visitor", "m2")
	c.SendSystem("notice")
	c.Disconnect(false, true)
	c.Destroy()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), dialer.dials.Load())
	assert.Equal(t, 0, c.QueueLen())

	persisted, err := store.Load(t.Context(), "room-1:agent-1")
	require.NoError(t, err)
	assert.Empty(t, persisted, "destroy clears the persisted queue")

	unregister := c.AddMessageListener(func(Message) {})
	unregister() // registration on a destroyed conn is inert but safe
}

func TestConn_ListenerPanicDoesNotBlockFanOut(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)

	received := make(chan Message, 1)
	c.AddMessageListener(func(Message) { panic("listener bug") })
	c.AddMessageListener(func(m Message) { received <- m })

	c.Connect()
	waitForState(t, c, StateConnected)
	sock.push([]byte(`{"type":"greeting","room_id":"room-1"}`))

	select {
	case m := <-received:
		assert.Equal(t, "greeting", m.Type)
	case <-time.After(time.Second):
		t.Fatal("second listener never received the message")
	}
}

func TestConn_UnregisterStopsDelivery(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)

	var count atomic.Int32
	unregister := c.AddMessageListener(func(Message) { count.Add(1) })
	kept := make(chan struct{}, 4)
	c.AddMessageListener(func(Message) { kept <- struct{}{} })

	c.Connect()
	waitForState(t, c, StateConnected)

	sock.push([]byte(`{"type":"one"}`))
	<-kept
	unregister()
	sock.push([]byte(`{"type":"two"}`))
	<-kept

	assert.Equal(t, int32(1), count.Load())
}

func TestConn_PlainTextInboundWrappedAsSystemMessage(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)
	received := make(chan Message, 1)
	c.AddMessageListener(func(m Message) { received <- m })

	c.Connect()
	waitForState(t, c, StateConnected)
	sock.push([]byte("service restarting soon"))

	select {
	case m := <-received:
		assert.Equal(t, MessageTypeSystem, m.Type)
		var payload SystemPayload
		require.NoError(t, json.Unmarshal(m.Payload, &payload))
		assert.Equal(t, "service restarting soon", payload.Content)
		assert.True(t, payload.IsSystem)
	case <-time.After(time.Second):
		t.Fatal("plain-text frame was not delivered")
	}
}

func TestConn_WriteFailureKeepsFrameQueued(t *testing.T) {
	sock := newFakeSocket()
	dialer := &fakeDialer{}
	dialer.queueSocket(sock)

	c := newTestConn(t, dialer, nil, nil)
	c.Connect()
	waitForState(t, c, StateConnected)

	sock.failWrites(errors.New("broken pipe"))
	c.SendChat("v1", "Visitor", "must survive")

	assert.Equal(t, 1, c.QueueLen(), "a frame that failed to write stays queued")
}
