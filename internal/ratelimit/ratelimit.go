// Package ratelimit implements the dual-axis (phone + client IP) request
// limiter sitting in the webhook pipeline. Both axes are atomic INCR/EXPIRE
// counters in the key-value store; either axis exceeding its ceiling
// rejects the request. The limiter fails open: if the store is unreachable
// the request proceeds and the degradation is logged, never charged to the
// caller.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayhub/wagateway/internal/privacy"
)

const (
	phoneKeyPrefix = "ratelimit:phone:"
	ipKeyPrefix    = "ratelimit:ip:"
)

// Config tunes the two independent axes.
type Config struct {
	MaxPhoneRequests   int
	PhoneWindowSeconds int
	MaxIPRequests      int
	IPWindowSeconds    int
}

// Decision is the outcome of a Check call, carrying enough state to both
// gate the request and populate the X-RateLimit-* response headers.
type Decision struct {
	Allowed bool
	// Exceeded names which axis rejected the request: "phone", "ip", or ""
	// if Allowed.
	Exceeded string

	PhoneLimit     int
	PhoneRemaining int
	PhoneResetUnix int64

	IPLimit     int
	IPRemaining int

	// Degraded is true when the store was unreachable and the request was
	// allowed to proceed under fail-open.
	Degraded bool
}

// Limiter checks both axes against a Redis-backed counter store.
type Limiter struct {
	rdb    *redis.Client
	hasher *privacy.Hasher
	cfg    Config
}

// New builds a Limiter. rdb is shared with the cache package's client; a
// single Redis connection backs both concerns.
func New(rdb *redis.Client, hasher *privacy.Hasher, cfg Config) *Limiter {
	return &Limiter{rdb: rdb, hasher: hasher, cfg: cfg}
}

// Check increments both axis counters and reports whether the request is
// allowed. On any store error, it fails open: Decision.Allowed is true and
// Decision.Degraded records the degradation for the caller to log.
func (l *Limiter) Check(ctx context.Context, phone, clientIP string) Decision {
	phoneCount, phoneReset, err := l.incrAndExpire(ctx, phoneKeyPrefix+l.hasher.Hash(phone), l.cfg.PhoneWindowSeconds)
	if err != nil {
		slog.Warn("ratelimit: phone axis store error, failing open", "error", err)
		return Decision{Allowed: true, Degraded: true}
	}

	ipCount, _, err := l.incrAndExpire(ctx, ipKeyPrefix+clientIP, l.cfg.IPWindowSeconds)
	if err != nil {
		slog.Warn("ratelimit: ip axis store error, failing open", "error", err)
		return Decision{Allowed: true, Degraded: true}
	}

	d := Decision{
		Allowed:        true,
		PhoneLimit:     l.cfg.MaxPhoneRequests,
		PhoneRemaining: remaining(l.cfg.MaxPhoneRequests, phoneCount),
		PhoneResetUnix: phoneReset,
		IPLimit:        l.cfg.MaxIPRequests,
		IPRemaining:    remaining(l.cfg.MaxIPRequests, ipCount),
	}

	if phoneCount > int64(l.cfg.MaxPhoneRequests) {
		d.Allowed = false
		d.Exceeded = "phone"
		return d
	}
	if ipCount > int64(l.cfg.MaxIPRequests) {
		d.Allowed = false
		d.Exceeded = "ip"
		return d
	}
	return d
}

// incrAndExpire atomically increments key and, only on the first increment
// within a window (post-increment value of 1), attaches an expiry equal to
// the window. It returns the post-increment count and the key's expiry as a
// unix timestamp.
func (l *Limiter) incrAndExpire(ctx context.Context, key string, windowSeconds int) (int64, int64, error) {
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: incr: %w", err)
	}
	window := time.Duration(windowSeconds) * time.Second
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: ttl: %w", err)
	}
	if ttl < 0 {
		ttl = window
	}
	return count, time.Now().Add(ttl).Unix(), nil
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}
