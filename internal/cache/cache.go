// Package cache provides the Redis-backed, non-authoritative context cache
// sitting in front of the relational store. Keys hold a JSON document
// describing a conversation and its most recent messages; the store remains
// the source of truth and the cache is reconciled against it on any
// schema-validation failure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayhub/wagateway/internal/models"
)

// ContextTTL is how long a conversation's context document lives in the
// cache before Redis expires it.
const ContextTTL = 1 * time.Hour

// Opts carries cache configuration, filled in by Option functions.
type Opts struct {
	RedisURL string
}

// Option configures a ContextCache at construction time.
type Option func(*Opts)

// WithRedisURL sets the Redis connection string (redis:// or rediss://).
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// ContextCache is the Redis-backed context cache described above.
type ContextCache struct {
	rdb *redis.Client
}

// New opens a Redis connection and verifies it with a PING.
func New(opts ...Option) (*ContextCache, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("cache: redis URL not set")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	slog.Debug("ContextCache ready")
	return &ContextCache{rdb: rdb}, nil
}

// NewFromClient wraps an already-constructed Redis client, so one client
// can be shared between the cache and the rate limiter. Unlike New, it
// does not PING the server.
func NewFromClient(rdb *redis.Client) *ContextCache {
	return &ContextCache{rdb: rdb}
}

func contextKey(conversationID string) string {
	return "conversation:" + conversationID + ":context"
}

// Get reads and schema-validates the cached context document for
// conversationID. A validation failure is treated as a miss: the entry is
// deleted so the next write starts clean, and (false, nil) is returned so
// callers fall back to the store. Redis RPC failures are returned as errors
// so callers can decide whether to bypass the cache.
func (c *ContextCache) Get(ctx context.Context, conversationID string) (*models.ConversationContext, bool, error) {
	raw, err := c.rdb.Get(ctx, contextKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}

	var doc models.ConversationContext
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		slog.Warn("cache: context document failed to decode, evicting", "conversation_id", conversationID, "error", err)
		_ = c.rdb.Del(ctx, contextKey(conversationID)).Err()
		return nil, false, nil
	}
	if err := doc.Validate(); err != nil {
		slog.Warn("cache: context document failed schema validation, evicting", "conversation_id", conversationID, "error", err)
		_ = c.rdb.Del(ctx, contextKey(conversationID)).Err()
		return nil, false, nil
	}
	return &doc, true, nil
}

// Set writes the context document, always serializing timestamps as
// ISO-8601 and setting the fixed TTL.
func (c *ContextCache) Set(ctx context.Context, conversationID string, doc models.ConversationContext) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cache: marshal context: %w", err)
	}
	if err := c.rdb.Set(ctx, contextKey(conversationID), b, ContextTTL).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Invalidate deletes the cached context document for conversationID. It is
// called after any append, state transition, or summary update.
func (c *ContextCache) Invalidate(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, contextKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// Client returns the underlying Redis client so the rate limiter can share
// one connection pool with the cache instead of opening a second.
func (c *ContextCache) Client() *redis.Client {
	return c.rdb
}

// Ping verifies the Redis connection is reachable.
func (c *ContextCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (c *ContextCache) Close() error {
	return c.rdb.Close()
}
