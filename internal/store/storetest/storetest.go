// Package storetest is the conformance suite every store adapter runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// base is second-aligned so adapters that persist unix seconds round-trip exactly.
var base = time.Unix(1_700_000_000, 0).UTC()

// Run executes the whole suite against newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Users", testUsers},
		{"Profile", testProfile},
		{"Vip", testVip},
		{"Referrals", testReferrals},
		{"Candidates", testCandidates},
		{"Pair", testPair},
		{"PairGender", testPairGender},
		{"EndSession", testEndSession},
		{"ConcurrentPair", testConcurrentPair},
		{"PairBlockedRequester", testPairBlockedRequester},
		{"DeleteUser", testDeleteUser},
		{"DeleteRacingPair", testDeleteRacingPair},
		{"Groups", testGroups},
		{"Admins", testAdmins},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Seeker creates a user with a completed profile who is looking for a chat.
func Seeker(t *testing.T, s store.Store, id int64, g model.Gender) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateUser(ctx, model.User{ID: id, FirstName: fmt.Sprintf("user%d", id), CreatedAt: base})
	require.NoError(t, err)
	require.NoError(t, s.SetAgreedTerms(ctx, id, true))
	require.NoError(t, s.SaveProfile(ctx, id, model.Profile{Gender: g, Age: 25, Country: "NP"}))
	ok, err := s.SetLooking(ctx, id, true)
	require.NoError(t, err)
	require.True(t, ok)
}

func sameTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %v, got %v", want, *got)
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, 404)
	require.ErrorIs(t, err, store.ErrNotFound)

	created, err := s.CreateUser(ctx, model.User{ID: 1, Username: "alice", FirstName: "Alice", ReferredBy: 7, CreatedAt: base})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateUser(ctx, model.User{ID: 1, Username: "other"})
	require.NoError(t, err)
	assert.False(t, created, "second create must not overwrite")

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, int64(7), u.ReferredBy)
	assert.False(t, u.AgreedTerms)
	assert.False(t, u.IsBlocked)
	assert.Zero(t, u.ChatPartner)
	assert.True(t, base.Equal(u.CreatedAt))

	require.NoError(t, s.SetAgreedTerms(ctx, 1, true))
	require.NoError(t, s.SetBlocked(ctx, 1, true))
	require.NoError(t, s.SetPartnerFilter(ctx, 1, model.GenderFemale))

	u, err = s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.AgreedTerms)
	assert.True(t, u.IsBlocked)
	assert.Equal(t, model.GenderFemale, u.PartnerFilter)

	require.ErrorIs(t, s.SetBlocked(ctx, 404, true), store.ErrNotFound)
}

func testProfile(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateUser(ctx, model.User{ID: 2, CreatedAt: base})
	require.NoError(t, err)

	require.NoError(t, s.SaveProfile(ctx, 2, model.Profile{Gender: model.GenderMale, Age: 30, Country: "Myanmar"}))
	u, err := s.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, model.GenderMale, u.Gender)
	assert.Equal(t, 30, u.Age)
	assert.Equal(t, "Myanmar", u.Country)
	assert.True(t, u.ProfileCompleted)

	require.ErrorIs(t, s.SaveProfile(ctx, 404, model.Profile{}), store.ErrNotFound)
}

func testVip(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []int64{3, 4} {
		_, err := s.CreateUser(ctx, model.User{ID: id, CreatedAt: base})
		require.NoError(t, err)
	}

	until := base.Add(24 * time.Hour)
	require.NoError(t, s.SetVip(ctx, 3, until))
	require.NoError(t, s.SetVip(ctx, 4, base.Add(time.Hour)))

	u, err := s.GetUser(ctx, 3)
	require.NoError(t, err)
	assert.True(t, u.IsVip)
	sameTime(t, until, u.VipUntil)

	expired, err := s.ExpireVip(ctx, 3, base)
	require.NoError(t, err)
	assert.False(t, expired, "window still open")

	expired, err = s.ExpireVip(ctx, 3, until)
	require.NoError(t, err)
	assert.True(t, expired, "window ends at until")

	u, err = s.GetUser(ctx, 3)
	require.NoError(t, err)
	assert.False(t, u.IsVip)

	expired, err = s.ExpireVip(ctx, 3, until)
	require.NoError(t, err)
	assert.False(t, expired, "already expired")

	n, err := s.ExpireAllVip(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.ExpireVip(ctx, 404, base)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testReferrals(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateUser(ctx, model.User{ID: 5, CreatedAt: base})
	require.NoError(t, err)

	require.NoError(t, s.IncrementReferrals(ctx, 5))
	require.NoError(t, s.IncrementReferrals(ctx, 5))
	u, err := s.GetUser(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, u.ReferralCount)

	require.ErrorIs(t, s.IncrementReferrals(ctx, 404), store.ErrNotFound)
}

func testCandidates(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 10, model.GenderMale)
	Seeker(t, s, 11, model.GenderFemale)
	Seeker(t, s, 12, model.GenderFemale)
	Seeker(t, s, 13, model.GenderMale)

	// Not seekable: blocked, idle, and incomplete profile.
	Seeker(t, s, 14, model.GenderFemale)
	require.NoError(t, s.SetBlocked(ctx, 14, true))
	Seeker(t, s, 15, model.GenderFemale)
	_, err := s.SetLooking(ctx, 15, false)
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, model.User{ID: 16, LookingForChat: true, CreatedAt: base})
	require.NoError(t, err)

	all, err := s.Candidates(ctx, 10, model.GenderUnset, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{11, 12, 13}, all)

	females, err := s.Candidates(ctx, 10, model.GenderFemale, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{11, 12}, females)

	limited, err := s.Candidates(ctx, 10, model.GenderUnset, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.NotContains(t, limited, int64(10))
}

func testPair(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 20, model.GenderMale)
	Seeker(t, s, 21, model.GenderFemale)
	Seeker(t, s, 22, model.GenderFemale)

	sid := uuid.NewString()
	out, err := s.Pair(ctx, 20, 21, model.GenderUnset, sid, base)
	require.NoError(t, err)
	require.Equal(t, store.PairPaired, out)

	a, err := s.GetUser(ctx, 20)
	require.NoError(t, err)
	b, err := s.GetUser(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, int64(21), a.ChatPartner)
	assert.Equal(t, int64(20), b.ChatPartner)
	assert.False(t, a.LookingForChat)
	assert.False(t, b.LookingForChat)

	sess, err := s.ActiveSession(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, sid, sess.ID)
	assert.True(t, sess.Active)
	assert.Equal(t, int64(20), sess.Partner(21))
	assert.True(t, base.Equal(sess.StartedAt))

	// Both sides are now taken.
	out, err = s.Pair(ctx, 22, 21, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairAlreadyTaken, out)
	out, err = s.Pair(ctx, 20, 22, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairAlreadyTaken, out)

	out, err = s.Pair(ctx, 22, 404, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairNotFound, out)

	out, err = s.Pair(ctx, 22, 22, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairAlreadyTaken, out)

	ok, err := s.SetLooking(ctx, 20, true)
	require.NoError(t, err)
	assert.False(t, ok, "paired user cannot rejoin the pool")

	_, err = s.ActiveSession(ctx, 22)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testPairGender(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 30, model.GenderMale)
	Seeker(t, s, 31, model.GenderMale)
	Seeker(t, s, 32, model.GenderFemale)

	out, err := s.Pair(ctx, 30, 31, model.GenderFemale, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairAlreadyTaken, out, "gender is re-validated at pair time")

	u, err := s.GetUser(ctx, 31)
	require.NoError(t, err)
	assert.Zero(t, u.ChatPartner)

	out, err = s.Pair(ctx, 30, 32, model.GenderFemale, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairPaired, out)
}

func testEndSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 40, model.GenderMale)
	Seeker(t, s, 41, model.GenderFemale)

	_, err := s.EndSession(ctx, 40, base)
	require.ErrorIs(t, err, store.ErrNotInSession)

	sid := uuid.NewString()
	out, err := s.Pair(ctx, 40, 41, model.GenderUnset, sid, base)
	require.NoError(t, err)
	require.Equal(t, store.PairPaired, out)

	partner, err := s.EndSession(ctx, 41, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(40), partner)

	for _, id := range []int64{40, 41} {
		u, err := s.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, u.ChatPartner)
		assert.False(t, u.LookingForChat)
		_, err = s.ActiveSession(ctx, id)
		require.ErrorIs(t, err, store.ErrNotFound)
	}

	_, err = s.EndSession(ctx, 40, base.Add(time.Minute))
	require.ErrorIs(t, err, store.ErrNotInSession, "second end is a no-op")
	_, err = s.EndSession(ctx, 41, base.Add(time.Minute))
	require.ErrorIs(t, err, store.ErrNotInSession)

	_, err = s.EndSession(ctx, 404, base)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentPair(t *testing.T, s store.Store) {
	ctx := context.Background()
	const target = int64(500)
	Seeker(t, s, target, model.GenderFemale)

	const n = 16
	for i := int64(1); i <= n; i++ {
		Seeker(t, s, target+i, model.GenderMale)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		paired []int64
	)
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			out, err := s.Pair(ctx, id, target, model.GenderUnset, uuid.NewString(), base)
			assert.NoError(t, err)
			if out == store.PairPaired {
				mu.Lock()
				paired = append(paired, id)
				mu.Unlock()
			}
		}(target + i)
	}
	wg.Wait()

	require.Len(t, paired, 1, "exactly one requester wins the candidate")
	u, err := s.GetUser(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, paired[0], u.ChatPartner)

	st, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ActiveChats)
}

func testDeleteUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 60, model.GenderMale)
	Seeker(t, s, 61, model.GenderFemale)
	_, err := s.CreateUser(ctx, model.User{ID: 62, ReferredBy: 60, CreatedAt: base})
	require.NoError(t, err)
	require.NoError(t, s.AddAdmin(ctx, model.Admin{UserID: 60, PromotedBy: 1, PromotedAt: base}))

	out, err := s.Pair(ctx, 60, 61, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	require.Equal(t, store.PairPaired, out)

	partner, err := s.DeleteUser(ctx, 60, base)
	require.NoError(t, err)
	assert.Equal(t, int64(61), partner)

	_, err = s.GetUser(ctx, 60)
	require.ErrorIs(t, err, store.ErrNotFound)

	p, err := s.GetUser(ctx, 61)
	require.NoError(t, err)
	assert.Zero(t, p.ChatPartner)
	_, err = s.ActiveSession(ctx, 61)
	require.ErrorIs(t, err, store.ErrNotFound)

	r, err := s.GetUser(ctx, 62)
	require.NoError(t, err)
	assert.Zero(t, r.ReferredBy)

	isAdmin, err := s.IsAdmin(ctx, 60)
	require.NoError(t, err)
	assert.False(t, isAdmin)

	partner, err = s.DeleteUser(ctx, 62, base)
	require.NoError(t, err)
	assert.Zero(t, partner)

	_, err = s.DeleteUser(ctx, 404, base)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testPairBlockedRequester(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 70, model.GenderMale)
	Seeker(t, s, 71, model.GenderFemale)
	require.NoError(t, s.SetBlocked(ctx, 70, true))

	out, err := s.Pair(ctx, 70, 71, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	assert.Equal(t, store.PairAlreadyTaken, out)

	c, err := s.GetUser(ctx, 71)
	require.NoError(t, err)
	assert.Zero(t, c.ChatPartner)
	assert.True(t, c.LookingForChat, "the candidate stays in the pool")
}

// testDeleteRacingPair deletes a seeker while a peer tries to claim them.
// Whichever wins, the peer must not be left pointing at a deleted user.
func testDeleteRacingPair(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := int64(0); i < 20; i++ {
		peer, victim := 800+2*i, 801+2*i
		Seeker(t, s, peer, model.GenderMale)
		Seeker(t, s, victim, model.GenderFemale)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Pair(ctx, peer, victim, model.GenderUnset, uuid.NewString(), base)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.DeleteUser(ctx, victim, base)
			assert.NoError(t, err)
		}()
		wg.Wait()

		_, err := s.GetUser(ctx, victim)
		require.ErrorIs(t, err, store.ErrNotFound)
		p, err := s.GetUser(ctx, peer)
		require.NoError(t, err)
		assert.Zero(t, p.ChatPartner, "round %d", i)
		_, err = s.ActiveSession(ctx, peer)
		assert.ErrorIs(t, err, store.ErrNotFound, "round %d", i)
	}

	st, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, st.ActiveChats)
}

func testGroups(t *testing.T, s store.Store) {
	ctx := context.Background()

	groups, err := s.RequiredGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, s.AddRequiredGroup(ctx, model.RequiredGroup{GroupID: -100, Link: "@first", AddedBy: 1, AddedAt: base}))
	require.NoError(t, s.AddRequiredGroup(ctx, model.RequiredGroup{GroupID: -200, Link: "@second", AddedBy: 1, AddedAt: base.Add(time.Second)}))
	// Re-adding replaces the link.
	require.NoError(t, s.AddRequiredGroup(ctx, model.RequiredGroup{GroupID: -100, Link: "@renamed", AddedBy: 1, AddedAt: base}))

	groups, err = s.RequiredGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(-100), groups[0].GroupID)
	assert.Equal(t, "@renamed", groups[0].Link)
	assert.Equal(t, int64(-200), groups[1].GroupID)

	require.NoError(t, s.RemoveRequiredGroup(ctx, -100))
	require.ErrorIs(t, s.RemoveRequiredGroup(ctx, -100), store.ErrNotFound)

	groups, err = s.RequiredGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
}

func testAdmins(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.IsAdmin(ctx, 70)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddAdmin(ctx, model.Admin{UserID: 71, PromotedBy: 70, PromotedAt: base}))
	require.NoError(t, s.AddAdmin(ctx, model.Admin{UserID: 70, PromotedBy: 0, PromotedAt: base}))

	ok, err = s.IsAdmin(ctx, 71)
	require.NoError(t, err)
	assert.True(t, ok)

	admins, err := s.ListAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	assert.Equal(t, int64(70), admins[0].UserID)
	assert.Equal(t, int64(70), admins[1].PromotedBy)

	require.NoError(t, s.RemoveAdmin(ctx, 71))
	require.ErrorIs(t, s.RemoveAdmin(ctx, 71), store.ErrNotFound)
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	Seeker(t, s, 80, model.GenderMale)
	Seeker(t, s, 81, model.GenderFemale)
	Seeker(t, s, 82, model.GenderFemale)
	require.NoError(t, s.SetVip(ctx, 80, base.Add(time.Hour)))
	require.NoError(t, s.SetVip(ctx, 81, base.Add(-time.Hour)))

	out, err := s.Pair(ctx, 80, 81, model.GenderUnset, uuid.NewString(), base)
	require.NoError(t, err)
	require.Equal(t, store.PairPaired, out)

	require.NoError(t, s.LogMessage(ctx, model.MessageLog{SenderID: 80, ReceiverID: 81, Kind: "text", Content: "hi", SentAt: base}))
	require.NoError(t, s.LogMessage(ctx, model.MessageLog{SenderID: 81, ReceiverID: 80, Kind: "sticker", Content: "file-1", SentAt: base}))

	st, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalUsers)
	assert.Equal(t, int64(1), st.ActiveChats)
	assert.Equal(t, int64(1), st.Seeking)
	assert.Equal(t, int64(2), st.TotalMessages)
	assert.Equal(t, int64(1), st.VipUsers, "expired window is not counted")
}
