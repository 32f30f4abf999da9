// Package matching pairs users who are looking for a chat partner.
//
// There is no background matcher: every search runs synchronously in the
// searcher's request. A searcher who finds nobody is left in the pool (when
// KeepWaiting is set) so that the next searcher can pick them up.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
)

// ErrVipRequired is returned for a gender-filtered search without active VIP.
var ErrVipRequired = errors.New("matching: vip required for filtered search")

// Status is the result of a search.
type Status int

const (
	StatusPaired Status = iota
	// StatusSearching means nobody was available and the user stays in the
	// pool until someone else picks them.
	StatusSearching
	StatusNoneAvailable
)

func (s Status) String() string {
	switch s {
	case StatusPaired:
		return "paired"
	case StatusSearching:
		return "searching"
	case StatusNoneAvailable:
		return "none_available"
	}
	return "unknown"
}

// Result is the outcome of StartSearch.
type Result struct {
	Status  Status
	Partner int64
}

// VipChecker reports whether a user has an open VIP window.
type VipChecker interface {
	IsVipActive(ctx context.Context, userID int64) (bool, error)
}

// Config tunes the service.
type Config struct {
	// KeepWaiting re-enqueues a searcher who found nobody.
	KeepWaiting bool
}

// Service runs searches on top of a Pool.
type Service struct {
	pool  *Pool
	store PoolStore
	vip   VipChecker
	pub   EventPublisher
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

// NewService creates a search service. pub may be nil.
func NewService(pool *Pool, st PoolStore, vip VipChecker, pub EventPublisher, cfg Config, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Service{
		pool:  pool,
		store: st,
		vip:   vip,
		pub:   pub,
		cfg:   cfg,
		now:   time.Now,
		log:   logger.With().Str("component", "matching").Logger(),
	}
}

// StartSearch looks for a partner for userID. A gender filter requires an
// active VIP window; the check is made here, not in the pool.
func (s *Service) StartSearch(ctx context.Context, userID int64, g model.Gender) (Result, error) {
	if g != model.GenderUnset {
		active, err := s.vip.IsVipActive(ctx, userID)
		if err != nil {
			return Result{}, fmt.Errorf("matching: vip check %d: %w", userID, err)
		}
		if !active {
			metrics.Searches.WithLabelValues("vip_required").Inc()
			return Result{}, ErrVipRequired
		}
	}

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("matching: load %d: %w", userID, err)
	}
	if u.InSession() {
		metrics.Searches.WithLabelValues("already_in_session").Inc()
		return Result{Partner: u.ChatPartner}, ErrAlreadyInSession
	}

	if err := s.pool.Enqueue(ctx, userID); err != nil {
		if errors.Is(err, ErrAlreadyInSession) {
			// Still in the pool from an earlier search and picked up just now.
			return s.pickedUp(ctx, userID)
		}
		return Result{}, err
	}

	partner, err := s.pool.FindAndPair(ctx, userID, g)
	switch {
	case err == nil:
		s.paired(ctx, userID, partner)
		return Result{Status: StatusPaired, Partner: partner}, nil
	case !errors.Is(err, ErrNoneAvailable):
		return Result{}, err
	}

	if !s.cfg.KeepWaiting {
		metrics.Searches.WithLabelValues(StatusNoneAvailable.String()).Inc()
		return Result{Status: StatusNoneAvailable}, nil
	}

	err = s.pool.Enqueue(ctx, userID)
	if errors.Is(err, ErrAlreadyInSession) {
		// Picked up by another searcher right after our dequeue.
		return s.pickedUp(ctx, userID)
	}
	if err != nil {
		return Result{}, err
	}
	metrics.Searches.WithLabelValues(StatusSearching.String()).Inc()
	s.log.Debug().Int64("user_id", userID).Str("gender", g.String()).Msg("waiting in pool")
	return Result{Status: StatusSearching}, nil
}

// CancelSearch removes userID from the pool and reports whether they were
// looking.
func (s *Service) CancelSearch(ctx context.Context, userID int64) (bool, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("matching: load %d: %w", userID, err)
	}
	if !u.LookingForChat {
		return false, nil
	}
	if err := s.pool.Dequeue(ctx, userID); err != nil {
		return false, err
	}
	metrics.Searches.WithLabelValues("cancelled").Inc()
	return true, nil
}

// pickedUp reports the partner of a user who was paired by someone else's
// search while this one was in flight.
func (s *Service) pickedUp(ctx context.Context, userID int64) (Result, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("matching: load %d: %w", userID, err)
	}
	metrics.Searches.WithLabelValues(StatusPaired.String()).Inc()
	return Result{Status: StatusPaired, Partner: u.ChatPartner}, nil
}

func (s *Service) paired(ctx context.Context, a, b int64) {
	metrics.Searches.WithLabelValues(StatusPaired.String()).Inc()
	ev := SessionEvent{Type: EventPaired, UserA: a, UserB: b, At: s.now()}
	if err := s.pub.PublishSessionEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Int64("user_a", a).Int64("user_b", b).Msg("publish session event")
	}
}
