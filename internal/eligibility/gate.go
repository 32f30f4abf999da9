// Package eligibility decides whether a user may use the chat features.
//
// Checks run in a fixed order and the first failing one wins: unknown user,
// blocked, terms, profile, then mandatory group membership. Lazy VIP expiry
// is applied on the way through so callers see a fresh VIP flag.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/pairbot/internal/metrics"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

// DefaultMembershipTimeout bounds a single group membership lookup.
const DefaultMembershipTimeout = 3 * time.Second

// maxConcurrentLookups caps parallel membership lookups per check.
const maxConcurrentLookups = 8

// Reason explains a denial.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotStarted        Reason = "not_started"
	ReasonBlocked           Reason = "blocked"
	ReasonTermsRequired     Reason = "terms_required"
	ReasonProfileIncomplete Reason = "profile_incomplete"
	ReasonGroupJoinRequired Reason = "group_join_required"
)

// Decision is the outcome of a check. User is the loaded record (nil when
// the user never started the bot) with lazy VIP expiry already applied.
type Decision struct {
	Admitted      bool
	Reason        Reason
	MissingGroups []model.RequiredGroup
	User          *model.User
}

// Options tunes a single check.
type Options struct {
	// SkipGroups admits without the membership lookups, for actions such as
	// ending a session that must keep working after a user leaves a group.
	SkipGroups bool
}

// MembershipChecker asks the messaging platform whether a user is an active
// member of a group.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// VipRefresher applies lazy VIP expiry to a loaded user.
type VipRefresher interface {
	Refresh(ctx context.Context, u *model.User) (bool, error)
}

// Store is the subset of store.Store the gate reads.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	RequiredGroups(ctx context.Context) ([]model.RequiredGroup, error)
}

// Gate evaluates eligibility.
type Gate struct {
	store   Store
	vip     VipRefresher
	members MembershipChecker
	timeout time.Duration
	log     zerolog.Logger
}

// NewGate creates a gate. members may be nil, in which case group checks are
// skipped entirely.
func NewGate(st Store, vip VipRefresher, members MembershipChecker, timeout time.Duration, logger zerolog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultMembershipTimeout
	}
	return &Gate{
		store:   st,
		vip:     vip,
		members: members,
		timeout: timeout,
		log:     logger.With().Str("component", "eligibility").Logger(),
	}
}

// Check evaluates userID. Denials are returned as a Decision, not an error;
// errors are reserved for store failures and caller cancellation.
func (g *Gate) Check(ctx context.Context, userID int64, opts Options) (Decision, error) {
	u, err := g.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return g.deny(Decision{Reason: ReasonNotStarted}), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("eligibility: load %d: %w", userID, err)
	}

	switch {
	case u.IsBlocked:
		return g.deny(Decision{Reason: ReasonBlocked, User: u}), nil
	case !u.AgreedTerms:
		return g.deny(Decision{Reason: ReasonTermsRequired, User: u}), nil
	case !u.ProfileCompleted:
		return g.deny(Decision{Reason: ReasonProfileIncomplete, User: u}), nil
	}

	if g.vip != nil {
		if _, err := g.vip.Refresh(ctx, u); err != nil {
			g.log.Warn().Err(err).Int64("user_id", userID).Msg("lazy vip expiry failed")
		}
	}

	if opts.SkipGroups || g.members == nil {
		return Decision{Admitted: true, User: u}, nil
	}

	groups, err := g.store.RequiredGroups(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("eligibility: required groups: %w", err)
	}
	if len(groups) == 0 {
		return Decision{Admitted: true, User: u}, nil
	}

	missing, err := g.missingGroups(ctx, userID, groups)
	if err != nil {
		return Decision{}, err
	}
	if len(missing) > 0 {
		return g.deny(Decision{Reason: ReasonGroupJoinRequired, MissingGroups: missing, User: u}), nil
	}
	return Decision{Admitted: true, User: u}, nil
}

func (g *Gate) deny(d Decision) Decision {
	metrics.EligibilityDenials.WithLabelValues(string(d.Reason)).Inc()
	return d
}

// missingGroups looks up every group concurrently and returns the ones the
// user is not confirmed to be in, in the order they were configured.
func (g *Gate) missingGroups(ctx context.Context, userID int64, groups []model.RequiredGroup) ([]model.RequiredGroup, error) {
	member := make([]bool, len(groups))

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentLookups)
	for i, grp := range groups {
		eg.Go(func() error {
			member[i] = g.lookup(ctx, grp.GroupID, userID)
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("eligibility: membership of %d: %w", userID, err)
	}

	var missing []model.RequiredGroup
	for i, ok := range member {
		if !ok {
			missing = append(missing, groups[i])
		}
	}
	return missing, nil
}

// lookup bounds one membership query by the gate timeout. A lookup that
// times out counts as a member so a slow platform never locks users out;
// any other failure counts as not confirmed.
func (g *Gate) lookup(ctx context.Context, groupID, userID int64) bool {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := g.members.IsMember(ctx, groupID, userID)
		ch <- answer{ok, err}
	}()

	var (
		a      answer
		result string
	)
	select {
	case a = <-ch:
	case <-ctx.Done():
		a = answer{err: ctx.Err()}
	}

	switch {
	case a.err != nil && errors.Is(a.err, context.DeadlineExceeded):
		result, a.ok = "timeout", true
		g.log.Warn().Int64("group_id", groupID).Int64("user_id", userID).
			Dur("timeout", g.timeout).Msg("membership lookup timed out, assuming member")
	case a.err != nil:
		result, a.ok = "error", false
		g.log.Warn().Err(a.err).Int64("group_id", groupID).Int64("user_id", userID).Msg("membership lookup failed")
	case a.ok:
		result = "member"
	default:
		result = "missing"
	}
	metrics.MembershipLookup.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return a.ok
}
