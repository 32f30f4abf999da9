package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
)

type countingSweeper struct{ runs atomic.Int32 }

func (c *countingSweeper) SweepExpired(context.Context) (int64, error) {
	c.runs.Add(1)
	return 0, nil
}

type staticStats struct {
	st  model.Stats
	err error
}

func (s staticStats) Stats(context.Context) (model.Stats, error) { return s.st, s.err }

func TestEvery_RunsJob(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)

	sw := &countingSweeper{}
	require.NoError(t, s.Every("vip-sweep", 20*time.Millisecond, VipSweep(sw)))
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool { return sw.runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatsRefresh(t *testing.T) {
	job := StatsRefresh(staticStats{st: model.Stats{TotalUsers: 7, ActiveChats: 2}})
	require.NoError(t, job(context.Background()))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.Users))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ActiveChats))

	boom := errors.New("db down")
	require.ErrorIs(t, StatsRefresh(staticStats{err: boom})(context.Background()), boom)
}

type countingPruner struct{ calls int }

func (c *countingPruner) Prune() int { c.calls++; return 0 }

func TestPrune(t *testing.T) {
	p := &countingPruner{}
	require.NoError(t, Prune(p)(context.Background()))
	assert.Equal(t, 1, p.calls)
}

func TestEvery_InvalidInterval(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, s.Every("bad", 0, VipSweep(&countingSweeper{})))
}
