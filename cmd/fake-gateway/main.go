// ABOUTME: Minimal fake chat gateway for local testing — speaks the agent WebSocket protocol.
// ABOUTME: Usage: fake-gateway [-addr :8080] [-workspace ws-local] [-secret SECRET]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perchchat/perch/internal/auth"
	"github.com/perchchat/perch/internal/transport"
	"github.com/perchchat/perch/internal/visitor"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	workspaceID := flag.String("workspace", "ws-local", "workspace ID to serve")
	secret := flag.String("secret", "", "JWT secret; empty disables token verification")
	interval := flag.Duration("interval", 5*time.Second, "workspace push interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	gw := &fakeGateway{
		workspaceID: *workspaceID,
		interval:    *interval,
		logger:      logger,
		visitors:    seedVisitors(),
	}
	if *secret != "" {
		gw.tokens = auth.NewTokens([]byte(*secret), 0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent/{room}", gw.handleAgent)

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake gateway listening", "addr", *addr, "workspace_id", *workspaceID)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type fakeGateway struct {
	workspaceID string
	interval    time.Duration
	logger      *slog.Logger
	tokens      *auth.Tokens

	mu       sync.Mutex
	visitors []visitor.Visitor
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local testing tool; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (g *fakeGateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	logger := g.logger.With("room_id", roomID, "remote", r.RemoteAddr)

	if g.tokens != nil {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		id, err := g.tokens.Verify(raw)
		if err != nil {
			logger.Warn("rejecting connection", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		logger = logger.With("agent_id", id.AgentID)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("agent connected")

	conn := &agentConn{ws: ws}

	done := make(chan struct{})
	defer close(done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.Info("agent disconnected", "error", err)
			return
		}
		g.handleFrame(conn, logger, data, done)
	}
}

// agentConn serializes writes; gorilla permits one concurrent writer.
type agentConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *agentConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (g *fakeGateway) handleFrame(conn *agentConn, logger *slog.Logger, data []byte, done <-chan struct{}) {
	in := transport.ParseInbound(data)
	if in.Structured == nil {
		logger.Info("received text frame", "content", in.PlainText)
		return
	}
	msg := *in.Structured

	switch {
	case msg.Type == "FindWorkspace":
		var req struct {
			WorkspaceID string `json:"workspace_id"`
		}
		json.Unmarshal(msg.Payload, &req)
		if req.WorkspaceID != g.workspaceID {
			logger.Warn("unknown workspace requested", "workspace_id", req.WorkspaceID)
			return
		}
		logger.Info("workspace subscription started", "workspace_id", req.WorkspaceID)
		g.pushWorkspace(conn, logger)
		go g.pushLoop(conn, logger, done)

	case msg.Type == "FindOneVisitor":
		var req struct {
			SessionID string `json:"session_id"`
		}
		json.Unmarshal(msg.Payload, &req)
		g.respondFindOne(conn, logger, req.SessionID)

	case msg.Content != "":
		// Chat or system notice from the agent.
		logger.Info("received message", "sender", msg.Sender, "name", msg.Name, "content", msg.Content)

	default:
		logger.Info("received event", "type", msg.Type)
	}
}

func (g *fakeGateway) pushLoop(conn *agentConn, logger *slog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mutate()
			g.pushWorkspace(conn, logger)
		case <-done:
			return
		}
	}
}

func (g *fakeGateway) pushWorkspace(conn *agentConn, logger *slog.Logger) {
	g.mu.Lock()
	visitors := make([]visitor.Visitor, len(g.visitors))
	copy(visitors, g.visitors)
	g.mu.Unlock()

	push := map[string]any{
		"type":    "workspace:" + g.workspaceID,
		"payload": map[string]any{"visitors": visitors},
	}
	if err := conn.send(push); err != nil {
		logger.Warn("push failed", "error", err)
	}
}

func (g *fakeGateway) respondFindOne(conn *agentConn, logger *slog.Logger, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, v := range g.visitors {
		if v.ID == sessionID {
			resp := map[string]any{"type": "findOne:" + sessionID, "payload": v}
			if err := conn.send(resp); err != nil {
				logger.Warn("findOne response failed", "error", err)
			}
			return
		}
	}
	logger.Info("findOne miss", "session_id", sessionID)
}

// mutate nudges the canned visitors around so classifications change
// between pushes.
func (g *fakeGateway) mutate() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := transport.Timestamp{Time: time.Now()}
	switch time.Now().Unix() % 3 {
	case 0:
		g.visitors[0].Chats = append(g.visitors[0].Chats, visitor.ChatEntry{
			Sender: visitor.SenderUser, Content: "still there?", Timestamp: now,
		})
	case 1:
		g.visitors[1].Status = visitor.StatusIdle
	default:
		g.visitors[1].Status = visitor.StatusLiveAgent
	}
}

func seedVisitors() []visitor.Visitor {
	now := transport.Timestamp{Time: time.Now()}
	return []visitor.Visitor{
		{
			ID:     "sess-alpha",
			Status: visitor.StatusLiveAgent,
			Chats: []visitor.ChatEntry{
				{Sender: visitor.SenderUser, Content: "hi, I need help with my order", Timestamp: now},
			},
		},
		{
			ID:     "sess-bravo",
			Status: visitor.StatusLiveAgent,
		},
		{
			ID:     "sess-charlie",
			Status: visitor.StatusLiveAgent,
			Agents: []string{"agent-1"},
			Chats: []visitor.ChatEntry{
				{Sender: visitor.SenderUser, Content: "thanks!", Timestamp: now},
				{Sender: visitor.SenderAgent, Content: "happy to help", Timestamp: now},
			},
		},
		{
			ID:     "sess-delta",
			Status: visitor.StatusLeft,
			Chats: []visitor.ChatEntry{
				{Sender: visitor.SenderUser, Content: "goodbye", Timestamp: now},
				{Sender: visitor.SenderSystem, Content: "Agent Sam left the chat.", Timestamp: now},
			},
		},
	}
}
