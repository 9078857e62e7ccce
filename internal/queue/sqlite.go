// ABOUTME: SQLite implementation of the queue Store using modernc.org/sqlite.
// ABOUTME: One row per connection key holding the queued frames as a JSON array.

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the queue database at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "queue")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	// WAL keeps enqueue latency low when a reader is replaying.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite queue store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS outbound_queues (
			conn_key   TEXT PRIMARY KEY,
			frames     TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the persisted queue for key, oldest first. Unparseable or
// missing rows yield an empty queue.
func (s *SQLiteStore) Load(ctx context.Context, key string) ([]json.RawMessage, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT frames FROM outbound_queues WHERE conn_key = ?", key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading queue %q: %w", key, err)
	}

	frames := decode([]byte(raw))
	if frames == nil && raw != "[]" && raw != "null" {
		s.logger.Warn("discarding unparseable persisted queue", "conn_key", key)
	}
	return frames, nil
}

// Save replaces the persisted queue for key.
func (s *SQLiteStore) Save(ctx context.Context, key string, frames []json.RawMessage) error {
	data, err := encode(frames)
	if err != nil {
		return fmt.Errorf("encoding queue %q: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbound_queues (conn_key, frames, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conn_key) DO UPDATE SET
			frames = excluded.frames,
			updated_at = excluded.updated_at
	`, key, string(data))
	if err != nil {
		return fmt.Errorf("saving queue %q: %w", key, err)
	}
	return nil
}

// Clear removes the persisted queue for key.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM outbound_queues WHERE conn_key = ?", key,
	); err != nil {
		return fmt.Errorf("clearing queue %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
