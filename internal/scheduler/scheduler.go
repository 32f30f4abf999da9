// Package scheduler runs the periodic maintenance jobs: the bulk VIP expiry
// sweep, the metrics gauge refresh and the in-memory rate limiter pruning.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/logging"
	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
)

// jobTimeout bounds a single job run.
const jobTimeout = 30 * time.Second

// Scheduler wraps a gocron scheduler.
type Scheduler struct {
	scheduler gocron.Scheduler
	log       zerolog.Logger
}

// New creates a stopped scheduler.
func New(logger zerolog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logging.NewGocronLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, log: logging.Component(logger, "scheduler")}, nil
}

// Every runs job every interval. Runs never overlap; a run that is still
// going when the next one is due pushes it back.
func (s *Scheduler) Every(name string, interval time.Duration, job func(ctx context.Context) error) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := job(ctx); err != nil {
				s.log.Error().Err(err).Str("job", name).Msg("job failed")
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}
	s.log.Info().Str("job", name).Dur("interval", interval).Msg("job scheduled")
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() { s.scheduler.Start() }

// Stop gracefully stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// Sweeper downgrades elapsed VIP windows.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// VipSweep returns the bulk expiry job.
func VipSweep(sw Sweeper) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := sw.SweepExpired(ctx)
		return err
	}
}

// StatsSource produces aggregate counters.
type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
}

// StatsRefresh returns the job that copies store counters into the gauges.
func StatsRefresh(src StatsSource) func(context.Context) error {
	return func(ctx context.Context) error {
		st, err := src.Stats(ctx)
		if err != nil {
			return err
		}
		metrics.Observe(st)
		return nil
	}
}

// Pruner drops expired in-memory state.
type Pruner interface {
	Prune() int
}

// Prune returns a job calling p.Prune.
func Prune(p Pruner) func(context.Context) error {
	return func(context.Context) error {
		p.Prune()
		return nil
	}
}
