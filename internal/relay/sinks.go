package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
)

// DefaultQueueSize is the AsyncSink buffer used when none is given.
const DefaultQueueSize = 256

// sinkTimeout bounds a single write by the async worker.
const sinkTimeout = 5 * time.Second

// AsyncSink decouples the relay path from slow sinks. Records are queued on
// a bounded channel and written by one worker; when the queue is full the
// record is dropped and counted.
type AsyncSink struct {
	next  ModerationSink
	queue chan Record
	log   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncSink starts the worker. Call Close to drain and stop it.
func NewAsyncSink(next ModerationSink, size int, logger zerolog.Logger) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan Record, size),
		log:   logger.With().Str("component", "moderation").Logger(),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues r without blocking.
func (s *AsyncSink) Record(_ context.Context, r Record) {
	select {
	case s.queue <- r:
	default:
		metrics.ModerationDropped.Inc()
		s.log.Warn().Int64("sender_id", r.SenderID).Msg("moderation queue full, dropping copy")
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for r := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		s.next.Record(ctx, r)
		cancel()
	}
}

// Close stops accepting records and waits until the queue is drained or ctx
// ends. Record must not be called after Close.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.queue) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiSink fans a record out to several sinks in order.
type MultiSink []ModerationSink

func (m MultiSink) Record(ctx context.Context, r Record) {
	for _, s := range m {
		s.Record(ctx, r)
	}
}

// MessageLogger persists moderation copies.
type MessageLogger interface {
	LogMessage(ctx context.Context, m model.MessageLog) error
}

// StoreSink writes every record to the message log table.
type StoreSink struct {
	store MessageLogger
	log   zerolog.Logger
}

// NewStoreSink creates a sink backed by st.
func NewStoreSink(st MessageLogger, logger zerolog.Logger) *StoreSink {
	return &StoreSink{store: st, log: logger.With().Str("component", "message_log").Logger()}
}

func (s *StoreSink) Record(ctx context.Context, r Record) {
	if err := s.store.LogMessage(ctx, r.MessageLog()); err != nil {
		s.log.Error().Err(err).Int64("sender_id", r.SenderID).Msg("persist message log")
	}
}
