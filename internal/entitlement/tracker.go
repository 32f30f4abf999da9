// Package entitlement tracks VIP windows and referral credit.
//
// A VIP grant always resets the window to now+days; it never extends an
// open window. Expired windows are downgraded lazily on read, and by a
// periodic sweep.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

// ReferralBonus is the VIP window granted to a referrer per referral.
const ReferralBonus = 24 * time.Hour

// Grant sources, used as metric labels.
const (
	SourceAdmin    = "admin"
	SourceReferral = "referral"
	SourcePurchase = "purchase"
)

var (
	ErrInvalidDays  = errors.New("entitlement: days must be positive")
	ErrSelfReferral = errors.New("entitlement: self referral")
)

// Store is the subset of store.Store the tracker needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	store.Entitlements
}

// Tracker grants and checks VIP status.
type Tracker struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker.
func NewTracker(st Store, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store: st,
		now:   time.Now,
		log:   logger.With().Str("component", "entitlement").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GrantVip opens a VIP window of days starting now and returns its end.
func (t *Tracker) GrantVip(ctx context.Context, userID int64, days int, source string) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, ErrInvalidDays
	}
	return t.grant(ctx, userID, time.Duration(days)*24*time.Hour, source)
}

func (t *Tracker) grant(ctx context.Context, userID int64, d time.Duration, source string) (time.Time, error) {
	until := t.now().Add(d)
	if err := t.store.SetVip(ctx, userID, until); err != nil {
		return time.Time{}, fmt.Errorf("entitlement: grant vip to %d: %w", userID, err)
	}
	metrics.VipGrants.WithLabelValues(source).Inc()
	t.log.Info().Int64("user_id", userID).Time("vip_until", until).Str("source", source).Msg("vip granted")
	return until, nil
}

// IsVipActive reports whether userID has an open VIP window, downgrading a
// stale flag as a side effect.
func (t *Tracker) IsVipActive(ctx context.Context, userID int64) (bool, error) {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("entitlement: load %d: %w", userID, err)
	}
	return t.Refresh(ctx, u)
}

// Refresh applies lazy expiry to an already loaded user and updates u in place.
func (t *Tracker) Refresh(ctx context.Context, u *model.User) (bool, error) {
	now := t.now()
	if u.VipActive(now) {
		return true, nil
	}
	if !u.IsVip {
		return false, nil
	}

	expired, err := t.store.ExpireVip(ctx, u.ID, now)
	if err != nil {
		return false, fmt.Errorf("entitlement: expire %d: %w", u.ID, err)
	}
	u.IsVip = false
	if expired {
		t.log.Info().Int64("user_id", u.ID).Msg("vip expired")
	}
	return false, nil
}

// RecordReferral credits a referrer: one more referral and a fresh 24h window.
func (t *Tracker) RecordReferral(ctx context.Context, referrerID int64) error {
	if err := t.store.IncrementReferrals(ctx, referrerID); err != nil {
		return fmt.Errorf("entitlement: referral for %d: %w", referrerID, err)
	}
	_, err := t.grant(ctx, referrerID, ReferralBonus, SourceReferral)
	return err
}

// Referrer resolves a referral code presented on a user's first contact to
// the referring user id. Codes that do not parse or point at nobody resolve
// to 0; a code pointing at the new user returns ErrSelfReferral.
func (t *Tracker) Referrer(ctx context.Context, newUserID int64, code string) (int64, error) {
	referrer, ok := ParseReferralCode(code)
	if !ok {
		return 0, nil
	}
	if referrer == newUserID {
		return 0, ErrSelfReferral
	}
	if _, err := t.store.GetUser(ctx, referrer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("entitlement: load referrer %d: %w", referrer, err)
	}
	return referrer, nil
}

// SweepExpired downgrades every elapsed VIP window.
func (t *Tracker) SweepExpired(ctx context.Context) (int64, error) {
	n, err := t.store.ExpireAllVip(ctx, t.now())
	if err != nil {
		return 0, fmt.Errorf("entitlement: sweep: %w", err)
	}
	if n > 0 {
		t.log.Info().Int64("expired", n).Msg("vip sweep")
	}
	return n, nil
}

// ParseReferralCode accepts the /start payload, a bare user id with an
// optional "ref" prefix.
func ParseReferralCode(code string) (int64, bool) {
	code = strings.TrimSpace(code)
	code = strings.TrimPrefix(strings.TrimPrefix(code, "ref_"), "ref")
	id, err := strconv.ParseInt(code, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ReferralLink builds the deep link a user shares.
func ReferralLink(botUsername string, userID int64) string {
	return "https://t.me/" + botUsername + "?start=" + strconv.FormatInt(userID, 10)
}
