// ABOUTME: Socket and Dialer abstractions over the raw WebSocket transport.
// ABOUTME: The gorilla/websocket implementation adds write deadlines and ping keepalive.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHost is the placeholder gateway host used when none is configured.
const DefaultHost = "gateway.example.com"

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 75 * time.Second
)

// Socket is one open transport connection. Read blocks until a frame or
// error; a returned error means the connection is gone.
type Socket interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Dialer opens sockets. Tests substitute an in-memory implementation.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// URLFor derives the gateway endpoint for a room:
// wss://<host>/ws/agent/<roomID> (ws:// when tls is disabled).
func URLFor(host, roomID string, tls bool) string {
	if host == "" {
		host = DefaultHost
	}
	scheme := "wss"
	if !tls {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws/agent/%s", scheme, host, url.PathEscape(roomID))
}

// WebSocketDialer is the production Dialer backed by gorilla/websocket.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer with a bounded handshake timeout.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Dial opens a websocket to url and starts the keepalive loop.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	s := &gorillaSocket{conn: conn, done: make(chan struct{})}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.keepalive()

	return s, nil
}

// gorillaSocket adapts *websocket.Conn to the Socket interface.
type gorillaSocket struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *gorillaSocket) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *gorillaSocket) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Best-effort close frame so well-behaved peers see a clean shutdown.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// keepalive pings the peer until the socket closes. A failed ping write
// surfaces through the read loop's deadline rather than here.
func (s *gorillaSocket) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
