// ABOUTME: Redis implementation of the queue Store using go-redis.
// ABOUTME: Suited to agent processes that share a Redis with the rest of the stack.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces queue records in a shared Redis.
const redisKeyPrefix = "perch:outbound:"

// RedisStore implements Store on a Redis string per connection key.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// RedisConfig configures the Redis-backed queue store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long an orphaned queue survives. Zero means no expiry.
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	logger := slog.Default().With("component", "queue")
	logger.Info("Redis queue store initialized", "addr", cfg.Addr, "db", cfg.DB)

	return &RedisStore{client: client, ttl: cfg.TTL, logger: logger}, nil
}

// Load returns the persisted queue for key, oldest first.
func (s *RedisStore) Load(ctx context.Context, key string) ([]json.RawMessage, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
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
func (s *RedisStore) Save(ctx context.Context, key string, frames []json.RawMessage) error {
	data, err := encode(frames)
	if err != nil {
		return fmt.Errorf("encoding queue %q: %w", key, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving queue %q: %w", key, err)
	}
	return nil
}

// Clear removes the persisted queue for key.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clearing queue %q: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
