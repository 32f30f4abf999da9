// Package admin implements the operator commands: blocking users, managing
// mandatory groups, granting VIP and managing the admin roster.
//
// Every call takes the acting user and checks the admin role first. The
// bootstrap admin is always an admin and can never be demoted.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/entitlement"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/session"
	"github.com/whisper/pairbot/internal/store"
)

var (
	ErrNotAdmin       = errors.New("admin: permission denied")
	ErrBootstrapAdmin = errors.New("admin: bootstrap admin cannot be removed")
	ErrInvalidGroup   = errors.New("admin: invalid group")
)

// Store is the subset of store.Store admin operations touch.
type Store interface {
	store.Admins
	store.Groups
	store.Reporting
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	SetLooking(ctx context.Context, id int64, looking bool) (bool, error)
}

// SessionEnder ends a user's session and returns the former partner.
type SessionEnder interface {
	EndSession(ctx context.Context, userID int64) (int64, error)
}

// VipGranter opens VIP windows.
type VipGranter interface {
	GrantVip(ctx context.Context, userID int64, days int, source string) (time.Time, error)
}

// Service executes admin commands.
type Service struct {
	store     Store
	sessions  SessionEnder
	vip       VipGranter
	bootstrap int64
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates the admin service. bootstrap is the permanent admin.
func NewService(st Store, sessions SessionEnder, vip VipGranter, bootstrap int64, logger zerolog.Logger) *Service {
	return &Service{
		store:     st,
		sessions:  sessions,
		vip:       vip,
		bootstrap: bootstrap,
		now:       time.Now,
		log:       logger.With().Str("component", "admin").Logger(),
	}
}

// IsAdmin reports whether id holds the admin role.
func (s *Service) IsAdmin(ctx context.Context, id int64) (bool, error) {
	if id == s.bootstrap {
		return true, nil
	}
	ok, err := s.store.IsAdmin(ctx, id)
	if err != nil {
		return false, fmt.Errorf("admin: check %d: %w", id, err)
	}
	return ok, nil
}

func (s *Service) authorize(ctx context.Context, actor int64) error {
	ok, err := s.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn().Int64("actor", actor).Msg("non-admin attempted admin command")
		return ErrNotAdmin
	}
	return nil
}

// Block bans target and ends their session. It returns the former partner,
// 0 if there was none.
func (s *Service) Block(ctx context.Context, actor, target int64) (int64, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return 0, err
	}
	if err := s.store.SetBlocked(ctx, target, true); err != nil {
		return 0, fmt.Errorf("admin: block %d: %w", target, err)
	}
	if _, err := s.store.SetLooking(ctx, target, false); err != nil {
		return 0, fmt.Errorf("admin: block %d: %w", target, err)
	}

	partner, err := s.sessions.EndSession(ctx, target)
	if err != nil && !errors.Is(err, session.ErrNotInSession) {
		return partner, err
	}
	s.log.Info().Int64("actor", actor).Int64("user_id", target).Msg("user blocked")
	return partner, nil
}

// Unblock lifts a ban.
func (s *Service) Unblock(ctx context.Context, actor, target int64) error {
	if err := s.authorize(ctx, actor); err != nil {
		return err
	}
	if err := s.store.SetBlocked(ctx, target, false); err != nil {
		return fmt.Errorf("admin: unblock %d: %w", target, err)
	}
	s.log.Info().Int64("actor", actor).Int64("user_id", target).Msg("user unblocked")
	return nil
}

// AddGroup makes membership of groupID mandatory. Adding an existing group
// updates its link.
func (s *Service) AddGroup(ctx context.Context, actor, groupID int64, link string) error {
	if err := s.authorize(ctx, actor); err != nil {
		return err
	}
	if groupID == 0 || link == "" {
		return ErrInvalidGroup
	}
	g := model.RequiredGroup{GroupID: groupID, Link: link, AddedBy: actor, AddedAt: s.now()}
	if err := s.store.AddRequiredGroup(ctx, g); err != nil {
		return fmt.Errorf("admin: add group %d: %w", groupID, err)
	}
	s.log.Info().Int64("actor", actor).Int64("group_id", groupID).Msg("required group added")
	return nil
}

// RemoveGroup drops a mandatory group.
func (s *Service) RemoveGroup(ctx context.Context, actor, groupID int64) error {
	if err := s.authorize(ctx, actor); err != nil {
		return err
	}
	if err := s.store.RemoveRequiredGroup(ctx, groupID); err != nil {
		return fmt.Errorf("admin: remove group %d: %w", groupID, err)
	}
	s.log.Info().Int64("actor", actor).Int64("group_id", groupID).Msg("required group removed")
	return nil
}

// Groups lists the mandatory groups.
func (s *Service) Groups(ctx context.Context, actor int64) ([]model.RequiredGroup, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return nil, err
	}
	return s.store.RequiredGroups(ctx)
}

// PromoteVip grants target a VIP window of days.
func (s *Service) PromoteVip(ctx context.Context, actor, target int64, days int) (time.Time, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return time.Time{}, err
	}
	return s.vip.GrantVip(ctx, target, days, entitlement.SourceAdmin)
}

// Promote gives target the admin role.
func (s *Service) Promote(ctx context.Context, actor, target int64) error {
	if err := s.authorize(ctx, actor); err != nil {
		return err
	}
	if target == s.bootstrap {
		return nil
	}
	if err := s.store.AddAdmin(ctx, model.Admin{UserID: target, PromotedBy: actor, PromotedAt: s.now()}); err != nil {
		return fmt.Errorf("admin: promote %d: %w", target, err)
	}
	s.log.Info().Int64("actor", actor).Int64("user_id", target).Msg("admin promoted")
	return nil
}

// Demote removes the admin role from target.
func (s *Service) Demote(ctx context.Context, actor, target int64) error {
	if err := s.authorize(ctx, actor); err != nil {
		return err
	}
	if target == s.bootstrap {
		return ErrBootstrapAdmin
	}
	if err := s.store.RemoveAdmin(ctx, target); err != nil {
		return fmt.Errorf("admin: demote %d: %w", target, err)
	}
	s.log.Info().Int64("actor", actor).Int64("user_id", target).Msg("admin demoted")
	return nil
}

// ListAdmins returns the roster with the bootstrap admin first.
func (s *Service) ListAdmins(ctx context.Context, actor int64) ([]model.Admin, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return nil, err
	}
	stored, err := s.store.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: list: %w", err)
	}
	out := []model.Admin{{UserID: s.bootstrap}}
	for _, a := range stored {
		if a.UserID != s.bootstrap {
			out = append(out, a)
		}
	}
	sort.SliceStable(out[1:], func(i, j int) bool { return out[1+i].UserID < out[1+j].UserID })
	return out, nil
}

// Stats returns aggregate counters.
func (s *Service) Stats(ctx context.Context, actor int64) (model.Stats, error) {
	if err := s.authorize(ctx, actor); err != nil {
		return model.Stats{}, err
	}
	return s.store.Stats(ctx, s.now())
}
