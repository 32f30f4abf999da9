// Package ratelimit provides fixed-window rate limiting per user and action.
//
// The Redis limiter uses INCR + EXPIRE so several bot replicas share one
// budget. The in-memory limiter applies the same rule semantics inside a
// single process and is used when no Redis is configured.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Default rules. Limits can be overridden from configuration.
var (
	// RuleSearch allows 10 searches per minute per user.
	RuleSearch = Rule{Key: "rl:search:", Limit: 10, Window: time.Minute}

	// RuleMessage allows 20 relayed messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}
)

// WithLimit returns a copy of r with a different limit. A non-positive limit
// keeps the default.
func (r Rule) WithLimit(limit int) Rule {
	if limit > 0 {
		r.Limit = limit
	}
	return r
}

// Allower is implemented by both limiters.
type Allower interface {
	Allow(ctx context.Context, userID int64, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.UniversalClient
	prefix string
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client. prefix is
// prepended to every key.
func NewLimiter(client redis.UniversalClient, prefix string, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		prefix: prefix,
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow increments the counter for userID under rule and sets the expiry on
// first access.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, userID int64, rule Rule) (bool, error) {
	key := l.prefix + rule.Key + strconv.FormatInt(userID, 10)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("EXPIRE failed, failing open")
			// Without a TTL the key would block the user forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context, userID int64, rule Rule) (bool, error) {
	key := rule.Key + strconv.FormatInt(userID, 10)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		m.windows[key] = w
	}
	w.count++
	return w.count <= rule.Limit, nil
}

// Prune drops expired windows. The scheduler calls it periodically.
func (m *MemoryLimiter) Prune() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
			n++
		}
	}
	return n
}
