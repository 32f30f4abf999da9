// Package memstore is an in-process store.Store. A single mutex serializes
// every operation, which makes each pairing mutation trivially atomic.
package memstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

// Store keeps all state in maps guarded by mu.
type Store struct {
	mu       sync.Mutex
	users    map[int64]*model.User
	sessions map[string]*model.ChatSession
	active   map[int64]string // user id -> active session id
	groups   map[int64]model.RequiredGroup
	admins   map[int64]model.Admin
	logs     []model.MessageLog
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[int64]*model.User),
		sessions: make(map[string]*model.ChatSession),
		active:   make(map[int64]string),
		groups:   make(map[int64]model.RequiredGroup),
		admins:   make(map[int64]model.Admin),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) user(id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("memstore: user %d: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(id)
	if err != nil {
		return nil, err
	}
	return cloneUser(u), nil
}

func (s *Store) CreateUser(_ context.Context, u model.User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return false, nil
	}
	s.users[u.ID] = cloneUser(&u)
	return true, nil
}

func (s *Store) update(id int64, fn func(u *model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(id)
	if err != nil {
		return err
	}
	fn(u)
	return nil
}

func (s *Store) SaveProfile(_ context.Context, id int64, p model.Profile) error {
	return s.update(id, func(u *model.User) {
		u.Gender = p.Gender
		u.Age = p.Age
		u.Country = p.Country
		u.ProfileCompleted = true
	})
}

func (s *Store) SetAgreedTerms(_ context.Context, id int64, agreed bool) error {
	return s.update(id, func(u *model.User) { u.AgreedTerms = agreed })
}

func (s *Store) SetBlocked(_ context.Context, id int64, blocked bool) error {
	return s.update(id, func(u *model.User) { u.IsBlocked = blocked })
}

func (s *Store) SetPartnerFilter(_ context.Context, id int64, g model.Gender) error {
	return s.update(id, func(u *model.User) { u.PartnerFilter = g })
}

func (s *Store) SetVip(_ context.Context, id int64, until time.Time) error {
	return s.update(id, func(u *model.User) {
		u.IsVip = true
		u.VipUntil = &until
	})
}

func (s *Store) ExpireVip(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(id)
	if err != nil {
		return false, err
	}
	return expire(u, now), nil
}

func (s *Store) ExpireAllVip(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, u := range s.users {
		if expire(u, now) {
			n++
		}
	}
	return n, nil
}

func expire(u *model.User, now time.Time) bool {
	if !u.IsVip {
		return false
	}
	if u.VipUntil != nil && now.Before(*u.VipUntil) {
		return false
	}
	u.IsVip = false
	return true
}

func (s *Store) IncrementReferrals(_ context.Context, id int64) error {
	return s.update(id, func(u *model.User) { u.ReferralCount++ })
}

func (s *Store) SetLooking(_ context.Context, id int64, looking bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(id)
	if err != nil {
		return false, err
	}
	if looking && u.InSession() {
		return false, nil
	}
	u.LookingForChat = looking
	return true, nil
}

func (s *Store) Candidates(_ context.Context, requester int64, g model.Gender, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, u := range s.users {
		if id == requester || !u.Seekable() {
			continue
		}
		if g != model.GenderUnset && u.Gender != g {
			continue
		}
		ids = append(ids, id)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) Pair(_ context.Context, requester, candidate int64, g model.Gender, sessionID string, now time.Time) (store.PairOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, okA := s.users[requester]
	b, okB := s.users[candidate]
	if !okA || !okB {
		return store.PairNotFound, nil
	}
	if requester == candidate || a.InSession() || a.IsBlocked || !b.Seekable() {
		return store.PairAlreadyTaken, nil
	}
	if g != model.GenderUnset && b.Gender != g {
		return store.PairAlreadyTaken, nil
	}

	a.ChatPartner, a.LookingForChat = candidate, false
	b.ChatPartner, b.LookingForChat = requester, false

	s.sessions[sessionID] = &model.ChatSession{
		ID:        sessionID,
		UserA:     requester,
		UserB:     candidate,
		StartedAt: now,
		Active:    true,
	}
	s.active[requester] = sessionID
	s.active[candidate] = sessionID
	return store.PairPaired, nil
}

func (s *Store) EndSession(_ context.Context, id int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(id)
	if err != nil {
		return 0, err
	}
	if !u.InSession() {
		return 0, store.ErrNotInSession
	}
	return s.endLocked(u, now)
}

// endLocked clears u and its partner. A partner that does not point back is
// still cleared on u's side and reported as ErrInconsistent.
func (s *Store) endLocked(u *model.User, now time.Time) (int64, error) {
	partnerID := u.ChatPartner
	u.ChatPartner, u.LookingForChat = 0, false

	s.closeSession(u.ID, now)
	s.closeSession(partnerID, now)

	p, ok := s.users[partnerID]
	if !ok || p.ChatPartner != u.ID {
		return partnerID, fmt.Errorf("memstore: end session %d<->%d: %w", u.ID, partnerID, store.ErrInconsistent)
	}
	p.ChatPartner, p.LookingForChat = 0, false
	return partnerID, nil
}

func (s *Store) closeSession(id int64, now time.Time) {
	sid, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	if sess, ok := s.sessions[sid]; ok && sess.Active {
		sess.Active = false
		ended := now
		sess.EndedAt = &ended
	}
}

func (s *Store) ActiveSession(_ context.Context, id int64) (*model.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, ok := s.active[id]
	if !ok {
		return nil, fmt.Errorf("memstore: active session of %d: %w", id, store.ErrNotFound)
	}
	sess := *s.sessions[sid]
	return &sess, nil
}

func (s *Store) DeleteUser(_ context.Context, id int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(id)
	if err != nil {
		return 0, err
	}

	var partner int64
	if u.InSession() {
		// A one-sided link is cleaned up all the same, the user is going away.
		partner, _ = s.endLocked(u, now)
	}
	for _, other := range s.users {
		if other.ReferredBy == id {
			other.ReferredBy = 0
		}
	}
	delete(s.admins, id)
	delete(s.users, id)
	return partner, nil
}

func (s *Store) RequiredGroups(context.Context) ([]model.RequiredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make([]model.RequiredGroup, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].AddedAt.Equal(groups[j].AddedAt) {
			return groups[i].GroupID < groups[j].GroupID
		}
		return groups[i].AddedAt.Before(groups[j].AddedAt)
	})
	return groups, nil
}

func (s *Store) AddRequiredGroup(_ context.Context, g model.RequiredGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[g.GroupID] = g
	return nil
}

func (s *Store) RemoveRequiredGroup(_ context.Context, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("memstore: group %d: %w", groupID, store.ErrNotFound)
	}
	delete(s.groups, groupID)
	return nil
}

func (s *Store) IsAdmin(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.admins[id]
	return ok, nil
}

func (s *Store) AddAdmin(_ context.Context, a model.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.admins[a.UserID] = a
	return nil
}

func (s *Store) RemoveAdmin(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.admins[id]; !ok {
		return fmt.Errorf("memstore: admin %d: %w", id, store.ErrNotFound)
	}
	delete(s.admins, id)
	return nil
}

func (s *Store) ListAdmins(context.Context) ([]model.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admins := make([]model.Admin, 0, len(s.admins))
	for _, a := range s.admins {
		admins = append(admins, a)
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].UserID < admins[j].UserID })
	return admins, nil
}

func (s *Store) LogMessage(_ context.Context, m model.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, m)
	return nil
}

func (s *Store) Stats(_ context.Context, now time.Time) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := model.Stats{
		TotalUsers:    int64(len(s.users)),
		TotalMessages: int64(len(s.logs)),
	}
	for _, u := range s.users {
		if u.VipActive(now) {
			st.VipUsers++
		}
		if u.LookingForChat && !u.InSession() {
			st.Seeking++
		}
	}
	for _, sess := range s.sessions {
		if sess.Active {
			st.ActiveChats++
		}
	}
	return st, nil
}

func cloneUser(u *model.User) *model.User {
	c := *u
	if u.VipUntil != nil {
		t := *u.VipUntil
		c.VipUntil = &t
	}
	return &c
}
