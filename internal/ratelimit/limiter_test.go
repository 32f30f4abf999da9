package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

func TestMemoryLimiter_Window(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLimiter()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, 1, testRule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := m.Allow(ctx, 1, testRule)
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, 2, testRule)
	assert.True(t, ok, "users have separate budgets")

	now = now.Add(time.Minute)
	ok, _ = m.Allow(ctx, 1, testRule)
	assert.True(t, ok, "a new window starts after expiry")
}

func TestMemoryLimiter_Prune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLimiter()
	m.now = func() time.Time { return now }

	_, _ = m.Allow(context.Background(), 1, testRule)
	assert.Zero(t, m.Prune())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.Prune())
}

func TestRule_WithLimit(t *testing.T) {
	assert.Equal(t, 7, RuleSearch.WithLimit(7).Limit)
	assert.Equal(t, RuleSearch.Limit, RuleSearch.WithLimit(0).Limit)
}

func TestLimiter_Redis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	const prefix = "pairbot:test:"
	t.Cleanup(func() {
		rdb.Del(ctx, prefix+testRule.Key+"1")
		rdb.Close()
	})
	rdb.Del(ctx, prefix+testRule.Key+"1")

	l := NewLimiter(rdb, prefix, zerolog.Nop())
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, 1, testRule)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, 1, testRule)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := rdb.TTL(ctx, prefix+testRule.Key+"1").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
