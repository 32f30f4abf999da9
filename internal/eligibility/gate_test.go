package eligibility

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/entitlement"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store/memstore"
)

// fakeMembers answers from a table. A group listed in hang never answers
// until the context is cancelled; a group in fail returns an error.
type fakeMembers struct {
	member map[int64]bool
	hang   map[int64]bool
	fail   map[int64]bool
	calls  atomic.Int32
}

func (f *fakeMembers) IsMember(ctx context.Context, groupID, _ int64) (bool, error) {
	f.calls.Add(1)
	if f.hang[groupID] {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if f.fail[groupID] {
		return false, errors.New("chat not found")
	}
	return f.member[groupID], nil
}

func seed(t *testing.T, st *memstore.Store, u model.User) {
	t.Helper()
	_, err := st.CreateUser(context.Background(), u)
	require.NoError(t, err)
}

func readyUser(id int64) model.User {
	return model.User{ID: id, AgreedTerms: true, ProfileCompleted: true, Gender: model.GenderMale, Age: 20, Country: "NP"}
}

func addGroups(t *testing.T, st *memstore.Store, ids ...int64) {
	t.Helper()
	base := time.Unix(1_700_000_000, 0)
	for i, id := range ids {
		require.NoError(t, st.AddRequiredGroup(context.Background(), model.RequiredGroup{
			GroupID: id, Link: "@g", AddedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func TestCheck_ReasonOrder(t *testing.T) {
	tests := []struct {
		name string
		user *model.User
		want Reason
	}{
		{"unknown user", nil, ReasonNotStarted},
		{"blocked wins over terms", &model.User{ID: 1, IsBlocked: true}, ReasonBlocked},
		{"terms before profile", &model.User{ID: 1}, ReasonTermsRequired},
		{"profile", &model.User{ID: 1, AgreedTerms: true}, ReasonProfileIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memstore.New()
			if tt.user != nil {
				seed(t, st, *tt.user)
			}
			gate := NewGate(st, nil, &fakeMembers{}, time.Second, zerolog.Nop())

			d, err := gate.Check(context.Background(), 1, Options{})
			require.NoError(t, err)
			assert.False(t, d.Admitted)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestCheck_NoGroupsAdmits(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	members := &fakeMembers{}
	gate := NewGate(st, nil, members, time.Second, zerolog.Nop())

	d, err := gate.Check(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.Zero(t, members.calls.Load())
}

func TestCheck_MissingGroupsInConfiguredOrder(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	addGroups(t, st, -3, -1, -2)
	members := &fakeMembers{member: map[int64]bool{-1: true}}
	gate := NewGate(st, nil, members, time.Second, zerolog.Nop())

	d, err := gate.Check(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonGroupJoinRequired, d.Reason)
	require.Len(t, d.MissingGroups, 2)
	assert.Equal(t, int64(-3), d.MissingGroups[0].GroupID)
	assert.Equal(t, int64(-2), d.MissingGroups[1].GroupID)
}

func TestCheck_AllGroupsJoined(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	addGroups(t, st, -1, -2)
	gate := NewGate(st, nil, &fakeMembers{member: map[int64]bool{-1: true, -2: true}}, time.Second, zerolog.Nop())

	d, err := gate.Check(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestCheck_TimeoutAssumesMember(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	addGroups(t, st, -1, -2)
	members := &fakeMembers{member: map[int64]bool{-2: true}, hang: map[int64]bool{-1: true}}
	gate := NewGate(st, nil, members, 20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	d, err := gate.Check(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.True(t, d.Admitted, "a lookup timeout must not deny")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheck_LookupErrorDenies(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	addGroups(t, st, -1)
	gate := NewGate(st, nil, &fakeMembers{fail: map[int64]bool{-1: true}}, time.Second, zerolog.Nop())

	d, err := gate.Check(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonGroupJoinRequired, d.Reason)
	require.Len(t, d.MissingGroups, 1)
}

func TestCheck_SkipGroups(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	addGroups(t, st, -1)
	members := &fakeMembers{}
	gate := NewGate(st, nil, members, time.Second, zerolog.Nop())

	d, err := gate.Check(context.Background(), 1, Options{SkipGroups: true})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Zero(t, members.calls.Load())
}

func TestCheck_CancelledContext(t *testing.T) {
	st := memstore.New()
	seed(t, st, readyUser(1))
	addGroups(t, st, -1)
	gate := NewGate(st, nil, &fakeMembers{hang: map[int64]bool{-1: true}}, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gate.Check(ctx, 1, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheck_AppliesLazyVipExpiry(t *testing.T) {
	st := memstore.New()
	past := time.Now().Add(-time.Hour)
	u := readyUser(1)
	u.IsVip, u.VipUntil = true, &past
	seed(t, st, u)

	tracker := entitlement.NewTracker(st, zerolog.Nop())
	gate := NewGate(st, tracker, nil, time.Second, zerolog.Nop())

	d, err := gate.Check(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.False(t, d.User.IsVip)

	stored, err := st.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, stored.IsVip)
}
