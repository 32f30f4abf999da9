package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMap_Defaults(t *testing.T) {
	cfg, err := FromMap(map[string]string{"BOT_TOKEN": "123:abc"})
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, DefaultBootstrapAdmin, cfg.Telegram.BootstrapAdmin)
	assert.Zero(t, cfg.Telegram.LogGroupID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "pairbot.db", cfg.Store.SQLitePath)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.Matching.MembershipTimeout)
	assert.True(t, cfg.Matching.KeepWaiting)
	assert.Equal(t, 20, cfg.Matching.CandidateSample)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.VipSweepInterval)
	assert.Equal(t, 10, cfg.Limits.Search)
	assert.Equal(t, 20, cfg.Limits.Message)
	assert.False(t, cfg.UseRedis())
}

func TestFromMap_Overrides(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"BOT_TOKEN":          "t",
		"LOG_GROUP_ID":       "-1001234",
		"LOG_LEVEL":          "debug",
		"DB_DRIVER":          "redis",
		"REDIS_ADDR":         "localhost:6379",
		"REDIS_DB":           "3",
		"MEMBERSHIP_TIMEOUT": "500ms",
		"KEEP_WAITING":       "false",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(-1001234), cfg.Telegram.LogGroupID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 500*time.Millisecond, cfg.Matching.MembershipTimeout)
	assert.False(t, cfg.Matching.KeepWaiting)
	assert.True(t, cfg.UseRedis())
}

func TestFromMap_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"missing token", map[string]string{}},
		{"bad level", map[string]string{"BOT_TOKEN": "t", "LOG_LEVEL": "trace"}},
		{"bad driver", map[string]string{"BOT_TOKEN": "t", "DB_DRIVER": "mongo"}},
		{"postgres without url", map[string]string{"BOT_TOKEN": "t", "DB_DRIVER": "postgres"}},
		{"redis without addr", map[string]string{"BOT_TOKEN": "t", "DB_DRIVER": "redis"}},
		{"zero sample", map[string]string{"BOT_TOKEN": "t", "CANDIDATE_SAMPLE": "0"}},
		{"bad duration", map[string]string{"BOT_TOKEN": "t", "STATS_INTERVAL": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.vars)
			require.Error(t, err)
		})
	}
}

func TestParseModlog(t *testing.T) {
	cfg, err := parseModlog(env.Options{Environment: map[string]string{"DB_DRIVER": "postgres", "DATABASE_URL": "postgres://x"}})
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, "modlog", cfg.Queue)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)

	_, err = parseModlog(env.Options{Environment: map[string]string{"DB_DRIVER": "memory"}})
	require.Error(t, err, "the consumer needs a persistent store")
}
