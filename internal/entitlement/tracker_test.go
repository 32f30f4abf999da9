package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store/memstore"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker(t *testing.T, ids ...int64) (*Tracker, *memstore.Store, *fakeClock) {
	t.Helper()
	st := memstore.New()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	for _, id := range ids {
		_, err := st.CreateUser(context.Background(), model.User{ID: id, CreatedAt: clock.t})
		require.NoError(t, err)
	}
	return NewTracker(st, zerolog.Nop(), WithClock(clock.Now)), st, clock
}

func TestGrantVip_SetsWindow(t *testing.T) {
	tr, st, clock := newTracker(t, 1)
	ctx := context.Background()

	until, err := tr.GrantVip(ctx, 1, 5, SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(5*24*time.Hour), until)

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.IsVip)
	assert.Equal(t, until, *u.VipUntil)
}

func TestGrantVip_ResetsInsteadOfStacking(t *testing.T) {
	tr, _, clock := newTracker(t, 1)
	ctx := context.Background()

	_, err := tr.GrantVip(ctx, 1, 30, SourcePurchase)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	until, err := tr.GrantVip(ctx, 1, 1, SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(24*time.Hour), until, "a shorter grant replaces the longer window")
}

func TestGrantVip_Invalid(t *testing.T) {
	tr, _, _ := newTracker(t, 1)
	_, err := tr.GrantVip(context.Background(), 1, 0, SourceAdmin)
	require.ErrorIs(t, err, ErrInvalidDays)

	_, err = tr.GrantVip(context.Background(), 404, 1, SourceAdmin)
	require.Error(t, err)
}

func TestIsVipActive_LazyExpiryIsPersisted(t *testing.T) {
	tr, st, clock := newTracker(t, 1)
	ctx := context.Background()

	_, err := tr.GrantVip(ctx, 1, 1, SourceAdmin)
	require.NoError(t, err)

	active, err := tr.IsVipActive(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active)

	clock.Advance(24*time.Hour + time.Second)
	active, err = tr.IsVipActive(ctx, 1)
	require.NoError(t, err)
	assert.False(t, active)

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.IsVip, "the downgrade is written back")
}

func TestRecordReferral(t *testing.T) {
	tr, st, clock := newTracker(t, 1)
	ctx := context.Background()

	require.NoError(t, tr.RecordReferral(ctx, 1))

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, u.ReferralCount)
	assert.True(t, u.VipActive(clock.t))
	assert.Equal(t, clock.t.Add(ReferralBonus), *u.VipUntil)
}

func TestReferrer(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		want    int64
		wantErr error
	}{
		{"valid", "1", 1, nil},
		{"prefixed", "ref_1", 1, nil},
		{"self", "2", 0, ErrSelfReferral},
		{"unknown referrer", "999", 0, nil},
		{"garbage", "hello", 0, nil},
		{"empty", "", 0, nil},
		{"negative", "-5", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, st, _ := newTracker(t, 1, 2)
			ctx := context.Background()

			got, err := tr.Referrer(ctx, 2, tt.code)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)

			u, err := st.GetUser(ctx, 1)
			require.NoError(t, err)
			assert.Zero(t, u.ReferralCount, "resolving never credits")
		})
	}
}

func TestSweepExpired(t *testing.T) {
	tr, st, clock := newTracker(t, 1, 2)
	ctx := context.Background()

	_, err := tr.GrantVip(ctx, 1, 1, SourceAdmin)
	require.NoError(t, err)
	_, err = tr.GrantVip(ctx, 2, 10, SourceAdmin)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	n, err := tr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	u, err := st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.True(t, u.IsVip)
}

func TestReferralLink(t *testing.T) {
	assert.Equal(t, "https://t.me/PairBot?start=42", ReferralLink("PairBot", 42))
	id, ok := ParseReferralCode("42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}
