package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Service: "pairbot", Level: "info", JSON: true, Out: &buf})
	require.NoError(t, err)

	matcher := Component(logger, "matcher")
	matcher.Info().Int64("user_id", 42).Msg("paired")
	logger.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "pairbot", entry["service"])
	assert.Equal(t, "matcher", entry["component"])
	assert.Equal(t, "paired", entry["message"])
	assert.EqualValues(t, 42, entry["user_id"])
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestNew_EmptyLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{JSON: true, Out: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestGocronLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", JSON: true, Out: &buf})
	require.NoError(t, err)

	NewGocronLogger(logger).Info("job ran", "name", "vip-sweep")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "vip-sweep", entry["name"])
	assert.Equal(t, "job ran", entry["message"])
}
