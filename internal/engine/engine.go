// Package engine is the single entry point the chat front end talks to.
//
// It composes the eligibility gate, entitlement tracker, search service,
// session registry and relay coordinator, and applies per-user rate limits.
// Front ends never reach the store directly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/eligibility"
	"github.com/whisper/pairbot/internal/entitlement"
	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/ratelimit"
	"github.com/whisper/pairbot/internal/relay"
	"github.com/whisper/pairbot/internal/session"
	"github.com/whisper/pairbot/internal/store"
)

// ErrRateLimited is returned when a user exceeds a rate limit.
var ErrRateLimited = errors.New("engine: rate limited")

// NewUser is the identity supplied on first contact.
type NewUser struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// RegisterResult describes a first contact.
type RegisterResult struct {
	// Created is false when the user already existed.
	Created bool
	// ReferredBy is the credited referrer, 0 if none.
	ReferredBy int64
	User       *model.User
}

// SearchResult is the outcome of StartSearch. When Admission denies the
// user, Result is zero.
type SearchResult struct {
	Admission eligibility.Decision
	matching.Result
}

// RelayResult is the outcome of Relay. A sender the gate denies gets a
// rejected outcome with reason relay.ReasonNotEligible and the Decision in
// Admission.
type RelayResult struct {
	Admission eligibility.Decision
	relay.Outcome
}

// Config tunes the engine.
type Config struct {
	KeepWaiting       bool
	CandidateSample   int
	MembershipTimeout time.Duration
	SearchRule        ratelimit.Rule
	MessageRule       ratelimit.Rule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		KeepWaiting:       true,
		CandidateSample:   matching.DefaultSample,
		MembershipTimeout: eligibility.DefaultMembershipTimeout,
		SearchRule:        ratelimit.RuleSearch,
		MessageRule:       ratelimit.RuleMessage,
	}
}

// Deps are the collaborators the engine does not own.
type Deps struct {
	Store     store.Store
	Transport relay.Transport
	// Members may be nil, which disables mandatory group checks.
	Members eligibility.MembershipChecker
	// Moderation may be nil.
	Moderation relay.ModerationSink
	// Events may be nil.
	Events matching.EventPublisher
	// Limiter may be nil, which disables rate limiting.
	Limiter ratelimit.Allower
}

// Engine is the pairing engine facade.
type Engine struct {
	store    store.Store
	gate     *eligibility.Gate
	vip      *entitlement.Tracker
	search   *matching.Service
	sessions *session.Registry
	relay    *relay.Coordinator
	events   matching.EventPublisher
	limiter  ratelimit.Allower
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now across every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires an engine.
func New(deps Deps, cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	events := deps.Events
	if events == nil {
		events = matching.NopPublisher{}
	}

	tracker := entitlement.NewTracker(deps.Store, logger, entitlement.WithClock(o.now))
	registry := session.NewRegistry(deps.Store, logger, session.WithClock(o.now))
	pool := matching.NewPool(deps.Store, registry, cfg.CandidateSample, logger)

	return &Engine{
		store:    deps.Store,
		gate:     eligibility.NewGate(deps.Store, tracker, deps.Members, cfg.MembershipTimeout, logger),
		vip:      tracker,
		search:   matching.NewService(pool, deps.Store, tracker, events, matching.Config{KeepWaiting: cfg.KeepWaiting}, logger),
		sessions: registry,
		relay:    relay.NewCoordinator(registry, deps.Transport, deps.Moderation, logger),
		events:   events,
		limiter:  deps.Limiter,
		cfg:      cfg,
		now:      o.now,
		log:      logger.With().Str("component", "engine").Logger(),
	}
}

// Tracker exposes the entitlement tracker for scheduled sweeps.
func (e *Engine) Tracker() *entitlement.Tracker { return e.vip }

// Register records a first contact. A referral code is honored only when
// this call creates the user, so a referrer is credited at most once per
// referred user.
func (e *Engine) Register(ctx context.Context, nu NewUser, referralCode string) (RegisterResult, error) {
	referrer, err := e.vip.Referrer(ctx, nu.ID, referralCode)
	if errors.Is(err, entitlement.ErrSelfReferral) {
		e.log.Info().Int64("user_id", nu.ID).Msg("ignoring self referral")
		referrer, err = 0, nil
	}
	if err != nil {
		return RegisterResult{}, err
	}

	created, err := e.store.CreateUser(ctx, model.User{
		ID:         nu.ID,
		Username:   nu.Username,
		FirstName:  nu.FirstName,
		LastName:   nu.LastName,
		ReferredBy: referrer,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return RegisterResult{}, fmt.Errorf("engine: register %d: %w", nu.ID, err)
	}

	res := RegisterResult{Created: created}
	if created && referrer != 0 {
		if err := e.vip.RecordReferral(ctx, referrer); err != nil {
			// The user exists either way; a lost credit is logged, not fatal.
			e.log.Error().Err(err).Int64("user_id", nu.ID).Int64("referrer_id", referrer).Msg("credit referral")
		} else {
			res.ReferredBy = referrer
		}
	}
	if created {
		e.log.Info().Int64("user_id", nu.ID).Int64("referred_by", res.ReferredBy).Msg("user registered")
	}

	res.User, err = e.store.GetUser(ctx, nu.ID)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("engine: load %d: %w", nu.ID, err)
	}
	return res, nil
}

// AgreeTerms records terms acceptance.
func (e *Engine) AgreeTerms(ctx context.Context, userID int64) error {
	if err := e.store.SetAgreedTerms(ctx, userID, true); err != nil {
		return fmt.Errorf("engine: agree terms %d: %w", userID, err)
	}
	return nil
}

// SaveProfile validates and stores p, marking the profile complete.
func (e *Engine) SaveProfile(ctx context.Context, userID int64, p model.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveProfile(ctx, userID, p); err != nil {
		return fmt.Errorf("engine: save profile %d: %w", userID, err)
	}
	return nil
}

// SetPartnerFilter stores a preferred partner gender. Only VIP users may set
// a filter; anyone may clear it.
func (e *Engine) SetPartnerFilter(ctx context.Context, userID int64, g model.Gender) error {
	if g != model.GenderUnset {
		active, err := e.vip.IsVipActive(ctx, userID)
		if err != nil {
			return err
		}
		if !active {
			return matching.ErrVipRequired
		}
	}
	if err := e.store.SetPartnerFilter(ctx, userID, g); err != nil {
		return fmt.Errorf("engine: partner filter %d: %w", userID, err)
	}
	return nil
}

// CheckEligibility runs the gate for userID.
func (e *Engine) CheckEligibility(ctx context.Context, userID int64) (eligibility.Decision, error) {
	return e.gate.Check(ctx, userID, eligibility.Options{})
}

// StartSearch admits userID and looks for a partner of gender g. With g
// unset the search is random: the stored partner filter is not consulted.
func (e *Engine) StartSearch(ctx context.Context, userID int64, g model.Gender) (SearchResult, error) {
	return e.startSearch(ctx, userID, g, false)
}

// StartPreferredSearch searches with the user's stored partner filter while
// their VIP is active, and randomly otherwise.
func (e *Engine) StartPreferredSearch(ctx context.Context, userID int64) (SearchResult, error) {
	return e.startSearch(ctx, userID, model.GenderUnset, true)
}

func (e *Engine) startSearch(ctx context.Context, userID int64, g model.Gender, preferred bool) (SearchResult, error) {
	if err := e.allow(ctx, userID, e.cfg.SearchRule); err != nil {
		return SearchResult{}, err
	}

	d, err := e.gate.Check(ctx, userID, eligibility.Options{})
	if err != nil {
		return SearchResult{}, err
	}
	if !d.Admitted {
		return SearchResult{Admission: d}, nil
	}

	if preferred && d.User.PartnerFilter != model.GenderUnset && d.User.VipActive(e.now()) {
		g = d.User.PartnerFilter
	}

	res, err := e.search.StartSearch(ctx, userID, g)
	return SearchResult{Admission: d, Result: res}, err
}

// CancelSearch leaves the pool. It reports whether the user was searching.
func (e *Engine) CancelSearch(ctx context.Context, userID int64) (bool, error) {
	return e.search.CancelSearch(ctx, userID)
}

// EndSession ends userID's session and returns the former partner.
// Returns session.ErrNotInSession when there is nothing to end.
func (e *Engine) EndSession(ctx context.Context, userID int64) (int64, error) {
	partner, err := e.sessions.EndSession(ctx, userID)
	if err != nil {
		return partner, err
	}
	e.publishEnded(ctx, userID, partner)
	return partner, nil
}

// Relay admits userID and forwards content to their partner. The full gate
// runs on every message, so a sender who left a required group mid-session
// is stopped until they rejoin.
func (e *Engine) Relay(ctx context.Context, userID int64, c relay.Content) (RelayResult, error) {
	if err := e.allow(ctx, userID, e.cfg.MessageRule); err != nil {
		return RelayResult{}, err
	}

	d, err := e.gate.Check(ctx, userID, eligibility.Options{})
	if err != nil {
		return RelayResult{}, err
	}
	if !d.Admitted {
		return RelayResult{
			Admission: d,
			Outcome:   relay.Outcome{Status: relay.StatusRejected, Reason: relay.ReasonNotEligible},
		}, nil
	}

	out, err := e.relay.Relay(ctx, userID, c)
	return RelayResult{Admission: d, Outcome: out}, err
}

// GrantVip opens a VIP window of days for userID.
func (e *Engine) GrantVip(ctx context.Context, userID int64, days int) (time.Time, error) {
	return e.vip.GrantVip(ctx, userID, days, entitlement.SourcePurchase)
}

// IsVipActive reports whether userID is VIP, expiring a stale window.
func (e *Engine) IsVipActive(ctx context.Context, userID int64) (bool, error) {
	return e.vip.IsVipActive(ctx, userID)
}

// RecordReferral credits referrerID with one referral.
func (e *Engine) RecordReferral(ctx context.Context, referrerID int64) error {
	return e.vip.RecordReferral(ctx, referrerID)
}

// RemoveUser deletes userID, typically after they blocked the bot. Their
// session ends and the former partner is returned so the caller can notify
// them.
func (e *Engine) RemoveUser(ctx context.Context, userID int64) (int64, error) {
	partner, err := e.store.DeleteUser(ctx, userID, e.now())
	if err != nil {
		return 0, fmt.Errorf("engine: remove %d: %w", userID, err)
	}
	e.log.Info().Int64("user_id", userID).Int64("partner_id", partner).Msg("user removed")
	if partner != 0 {
		e.publishEnded(ctx, userID, partner)
	}
	return partner, nil
}

// Profile returns the stored user.
func (e *Engine) Profile(ctx context.Context, userID int64) (*model.User, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: load %d: %w", userID, err)
	}
	if _, err := e.vip.Refresh(ctx, u); err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("lazy vip expiry failed")
	}
	return u, nil
}

// Stats returns aggregate counters.
func (e *Engine) Stats(ctx context.Context) (model.Stats, error) {
	return e.store.Stats(ctx, e.now())
}

func (e *Engine) allow(ctx context.Context, userID int64, rule ratelimit.Rule) error {
	if e.limiter == nil || rule.Limit <= 0 {
		return nil
	}
	ok, err := e.limiter.Allow(ctx, userID, rule)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("rate limiter unavailable")
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (e *Engine) publishEnded(ctx context.Context, a, b int64) {
	ev := matching.SessionEvent{Type: matching.EventEnded, UserA: a, UserB: b, At: e.now()}
	if err := e.events.PublishSessionEvent(ctx, ev); err != nil {
		e.log.Warn().Err(err).Msg("publish session event")
	}
}
