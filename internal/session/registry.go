// Package session owns the lifecycle of one-to-one chat sessions.
//
// The registry is a thin layer over the store's atomic pairing primitives:
// it allocates session ids, records metrics and turns broken mutual links
// into loud internal errors.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

var (
	// ErrNotInSession is returned when ending a session for a user without a partner.
	ErrNotInSession = store.ErrNotInSession

	// ErrInconsistent marks a violated pairing invariant.
	ErrInconsistent = store.ErrInconsistent
)

// Store is the subset of store.Store the registry needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	Pair(ctx context.Context, requester, candidate int64, g model.Gender, sessionID string, now time.Time) (store.PairOutcome, error)
	EndSession(ctx context.Context, id int64, now time.Time) (int64, error)
	ActiveSession(ctx context.Context, id int64) (*model.ChatSession, error)
}

// Registry pairs and unpairs users.
type Registry struct {
	store Store
	now   func() time.Time
	newID func() string
	log   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDs overrides session id generation.
func WithIDs(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// NewRegistry creates a registry backed by st.
func NewRegistry(st Store, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
		log:   logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryPair attempts to pair requester with candidate. When g is set the
// candidate must still be of that gender. The outcome is reported, not
// treated as an error: losing a race is normal.
func (r *Registry) TryPair(ctx context.Context, requester, candidate int64, g model.Gender) (store.PairOutcome, error) {
	sid := r.newID()
	out, err := r.store.Pair(ctx, requester, candidate, g, sid, r.now())
	if err != nil {
		return out, fmt.Errorf("session: pair %d with %d: %w", requester, candidate, err)
	}
	metrics.PairAttempts.WithLabelValues(out.String()).Inc()
	if out == store.PairPaired {
		r.log.Info().Str("session_id", sid).Int64("user_a", requester).Int64("user_b", candidate).Msg("session started")
	}
	return out, nil
}

// EndSession clears both sides of userID's session and returns the former
// partner. It is idempotent in effect: a second call returns ErrNotInSession.
func (r *Registry) EndSession(ctx context.Context, userID int64) (int64, error) {
	// The record is read first only to report the session length.
	sess, serr := r.Active(ctx, userID)
	if serr != nil && !errors.Is(serr, store.ErrNotFound) {
		r.log.Warn().Err(serr).Int64("user_id", userID).Msg("load active session")
	}

	now := r.now()
	partner, err := r.store.EndSession(ctx, userID, now)
	switch {
	case errors.Is(err, store.ErrNotInSession):
		return 0, ErrNotInSession
	case errors.Is(err, store.ErrInconsistent):
		r.log.Error().Err(err).Int64("user_id", userID).Int64("partner_id", partner).Msg("one-sided session cleared")
		return partner, fmt.Errorf("session: end %d: %w", userID, err)
	case err != nil:
		return 0, fmt.Errorf("session: end %d: %w", userID, err)
	}
	metrics.SessionsEnded.Inc()
	ev := r.log.Info().Int64("user_id", userID).Int64("partner_id", partner)
	if sess != nil {
		d := now.Sub(sess.StartedAt)
		metrics.SessionDuration.Observe(d.Seconds())
		ev = ev.Str("session_id", sess.ID).Dur("duration", d)
	}
	ev.Msg("session ended")
	return partner, nil
}

// Partner returns userID's current partner and verifies that the partner
// points back. It returns 0 when the user is not in a session.
func (r *Registry) Partner(ctx context.Context, userID int64) (int64, error) {
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("session: load %d: %w", userID, err)
	}
	if !u.InSession() {
		return 0, nil
	}
	p, err := r.store.GetUser(ctx, u.ChatPartner)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("session: load partner %d: %w", u.ChatPartner, err)
	}
	if p == nil || p.ChatPartner != userID {
		err := fmt.Errorf("session: %d points at %d which does not point back: %w", userID, u.ChatPartner, ErrInconsistent)
		r.log.Error().Err(err).Msg("pairing invariant violated")
		return 0, err
	}
	return p.ID, nil
}

// Active returns userID's active session record.
func (r *Registry) Active(ctx context.Context, userID int64) (*model.ChatSession, error) {
	sess, err := r.store.ActiveSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: active %d: %w", userID, err)
	}
	return sess, nil
}
