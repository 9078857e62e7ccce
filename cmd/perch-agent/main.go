// ABOUTME: Entry point for the perch-agent operator CLI
// ABOUTME: Connects to chat rooms as an agent and tails classified visitor buckets

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/perchchat/perch/internal/auth"
	"github.com/perchchat/perch/internal/config"
	"github.com/perchchat/perch/internal/queue"
	"github.com/perchchat/perch/internal/transport"
	"github.com/perchchat/perch/internal/visitor"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
 _ __   ___ _ __ ___| |__
| '_ \ / _ \ '__/ __| '_ \
| |_) |  __/ | | (__| | | |
| .__/ \___|_|  \___|_| |_|
|_|
`

// getConfigPath returns the path to the perch config file.
// Priority: PERCH_CONFIG env var > XDG_CONFIG_HOME/perch/config.yaml > ~/.config/perch/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PERCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "perch", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: perch-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  tail                 Follow classified visitor buckets for the workspace")
		fmt.Println("  chat --room ROOM     Join a room as an agent and chat from stdin")
		fmt.Println("  lookup SESSION_ID    Fetch a single visitor record by session ID")
		fmt.Println("  init                 Write a starter config and agent profile")
		fmt.Println("  version              Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "tail":
		err = runTail(ctx)
	case "chat":
		err = runChat(ctx)
	case "lookup":
		err = runLookup(ctx)
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads config and profile and assembles the connection pool.
func bootstrap() (*config.Config, *Profile, *transport.Pool, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	profile, err := LoadProfile(getProfilePath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading profile: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	store, err := buildStore(cfg.Queue)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building queue store: %w", err)
	}

	var tokens transport.TokenSource
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	}

	pool := transport.NewPool(transport.PoolConfig{
		Host:                 cfg.Gateway.Host,
		TLS:                  cfg.Gateway.TLS,
		Capacity:             cfg.Pool.Capacity,
		MaxReconnectAttempts: cfg.Pool.MaxReconnectAttempts,
		ReconnectBase:        cfg.Pool.ReconnectBase,
		ReconnectMax:         cfg.Pool.ReconnectMax,
		Queue:                store,
		Tokens:               tokens,
		Logger:               logger,
	})

	return cfg, profile, pool, nil
}

// buildStore constructs the configured durable queue backend.
func buildStore(cfg config.QueueConfig) (queue.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return queue.NewSQLiteStore(cfg.SQLite.Path)
	case "redis":
		return queue.NewRedisStore(context.Background(), queue.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
	case "", "memory":
		return queue.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func runTail(ctx context.Context) error {
	cfg, profile, pool, err := bootstrap()
	if err != nil {
		return err
	}
	defer pool.Cleanup()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s\n", cfg.Gateway.Host)
	green.Print("    ▶ ")
	fmt.Printf("Workspace: %s\n", cfg.Workspace.ID)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s (%s)\n\n", profile.Agent.Name, profile.Agent.ID)

	conn := pool.Get(cfg.Workspace.ID, profile.Agent.ID, profile.Agent.Name)
	conn.Connect()

	feed := visitor.NewFeed(visitor.FeedConfig{
		WorkspaceID: cfg.Workspace.ID,
		Conn:        conn,
		Grace:       cfg.Workspace.GraceWindow,
	})
	defer feed.Close()

	snaps, _ := feed.Subscribe(ctx)
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			printSnapshot(snap)
		case <-ctx.Done():
			return nil
		}
	}
}

// printSnapshot renders one classification pass as a colorized summary.
func printSnapshot(snap visitor.Snapshot) {
	gray := color.New(color.FgHiBlack)
	gray.Printf("-- %s --\n", snap.At.Format("15:04:05"))

	printBucket(color.New(color.FgRed, color.Bold), "incoming", snap.Buckets.Incoming)
	printBucket(color.New(color.FgGreen), "active", snap.Buckets.Active)
	printBucket(color.New(color.FgCyan), "served", snap.Buckets.Served)
	printBucket(color.New(color.FgYellow), "idle", snap.Buckets.Idle)
	printBucket(color.New(color.FgHiBlack), "left", snap.Buckets.Left)

	if len(snap.Pending) > 0 {
		gray.Printf("   pending-active: %v\n", snap.Pending)
	}
	fmt.Println()
}

func printBucket(c *color.Color, name string, visitors []visitor.Visitor) {
	if len(visitors) == 0 {
		return
	}
	c.Printf("%10s ", name)
	for i, v := range visitors {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Print(v.ID)
	}
	fmt.Println()
}

func runChat(ctx context.Context) error {
	args := os.Args[2:]
	var roomID string
	for i := 0; i < len(args); i++ {
		if args[i] == "--room" && i+1 < len(args) {
			roomID = args[i+1]
			i++
		}
	}
	if roomID == "" {
		return fmt.Errorf("chat requires --room ROOM")
	}

	_, profile, pool, err := bootstrap()
	if err != nil {
		return err
	}
	defer pool.Cleanup()

	conn := pool.Get(roomID, profile.Agent.ID, profile.Agent.Name)

	unregister := conn.AddMessageListener(func(m transport.Message) {
		name := m.Name
		if name == "" {
			name = m.Sender
		}
		fmt.Printf("%s %s\n", color.CyanString(name+":"), m.Content)
	})
	defer unregister()

	conn.Connect()
	defer conn.Disconnect(false, true)

	fmt.Printf("joined %s as %s — type messages, ctrl-d to leave\n", roomID, profile.Agent.Name)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			conn.SendChat(profile.Agent.ID, profile.Agent.Name, line)
		case <-ctx.Done():
			return nil
		}
	}
}

func runLookup(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("lookup requires SESSION_ID")
	}
	sessionID := os.Args[2]

	cfg, profile, pool, err := bootstrap()
	if err != nil {
		return err
	}
	defer pool.Cleanup()

	conn := pool.Get(cfg.Workspace.ID, profile.Agent.ID, profile.Agent.Name)
	conn.Connect()

	feed := visitor.NewFeed(visitor.FeedConfig{
		WorkspaceID: cfg.Workspace.ID,
		Conn:        conn,
	})
	defer feed.Close()

	v := feed.LeftVisitor(ctx, sessionID)
	if v == nil {
		return fmt.Errorf("visitor %s not found", sessionID)
	}

	fmt.Printf("id:     %s\nstatus: %s\nagents: %v\n", v.ID, v.Status, v.Agents)
	for _, entry := range v.Chats {
		fmt.Printf("  [%s] %s: %s\n", entry.Timestamp.Format("15:04:05"), entry.Sender, entry.Content)
	}
	return nil
}
