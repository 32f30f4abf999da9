package matching

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/session"
	"github.com/whisper/pairbot/internal/store"
	"github.com/whisper/pairbot/internal/store/memstore"
	"github.com/whisper/pairbot/internal/store/storetest"
)

func newPool(t *testing.T) (*Pool, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	reg := session.NewRegistry(st, zerolog.Nop())
	return NewPool(st, reg, 0, zerolog.Nop()), st
}

func TestFindAndPair_PairsWithSeeker(t *testing.T) {
	p, st := newPool(t)
	ctx := context.Background()
	storetest.Seeker(t, st, 1, model.GenderMale)
	storetest.Seeker(t, st, 2, model.GenderFemale)

	partner, err := p.FindAndPair(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, int64(2), partner)

	b, err := st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ChatPartner)
	assert.False(t, b.LookingForChat)
}

func TestFindAndPair_NoneAvailableClearsFlag(t *testing.T) {
	p, st := newPool(t)
	ctx := context.Background()
	storetest.Seeker(t, st, 1, model.GenderMale)

	_, err := p.FindAndPair(ctx, 1, model.GenderUnset)
	require.ErrorIs(t, err, ErrNoneAvailable)

	u, err := st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.LookingForChat)
}

func TestFindAndPair_GenderFilter(t *testing.T) {
	p, st := newPool(t)
	ctx := context.Background()
	storetest.Seeker(t, st, 1, model.GenderMale)
	storetest.Seeker(t, st, 2, model.GenderMale)
	storetest.Seeker(t, st, 3, model.GenderMale)

	_, err := p.FindAndPair(ctx, 1, model.GenderFemale)
	require.ErrorIs(t, err, ErrNoneAvailable)

	storetest.Seeker(t, st, 4, model.GenderFemale)
	require.NoError(t, p.Enqueue(ctx, 1))
	partner, err := p.FindAndPair(ctx, 1, model.GenderFemale)
	require.NoError(t, err)
	assert.Equal(t, int64(4), partner)
}

func TestEnqueue_RejectsPairedUser(t *testing.T) {
	p, st := newPool(t)
	ctx := context.Background()
	storetest.Seeker(t, st, 1, model.GenderMale)
	storetest.Seeker(t, st, 2, model.GenderMale)
	_, err := p.FindAndPair(ctx, 1, model.GenderUnset)
	require.NoError(t, err)

	require.ErrorIs(t, p.Enqueue(ctx, 1), ErrAlreadyInSession)
}

// racingPairer loses the first attempt to a competing searcher who grabs
// the candidate, then delegates.
type racingPairer struct {
	inner   Pairer
	thief   int64
	stolen  bool
	attempt []int64
}

func (r *racingPairer) TryPair(ctx context.Context, requester, candidate int64, g model.Gender) (store.PairOutcome, error) {
	r.attempt = append(r.attempt, candidate)
	if !r.stolen {
		r.stolen = true
		if _, err := r.inner.TryPair(ctx, r.thief, candidate, model.GenderUnset); err != nil {
			return 0, err
		}
	}
	return r.inner.TryPair(ctx, requester, candidate, g)
}

func TestFindAndPair_MovesOnWhenCandidateTaken(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		storetest.Seeker(t, st, id, model.GenderMale)
	}
	_, err := st.CreateUser(ctx, model.User{ID: 9})
	require.NoError(t, err)

	rp := &racingPairer{inner: session.NewRegistry(st, zerolog.Nop()), thief: 9}
	p := NewPool(st, rp, 0, zerolog.Nop())

	partner, err := p.FindAndPair(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	require.Len(t, rp.attempt, 2)
	assert.Equal(t, rp.attempt[1], partner)
	assert.NotEqual(t, rp.attempt[0], partner)
}

// pairedByPeer simulates another searcher claiming the requester between
// candidate sampling and the attempt.
type pairedByPeer struct {
	inner Pairer
	peer  int64
	done  bool
}

func (r *pairedByPeer) TryPair(ctx context.Context, requester, candidate int64, g model.Gender) (store.PairOutcome, error) {
	if !r.done {
		r.done = true
		if _, err := r.inner.TryPair(ctx, r.peer, requester, model.GenderUnset); err != nil {
			return 0, err
		}
	}
	return r.inner.TryPair(ctx, requester, candidate, g)
}

func TestFindAndPair_ReturnsPartnerFromConcurrentPeer(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	storetest.Seeker(t, st, 1, model.GenderMale)
	storetest.Seeker(t, st, 2, model.GenderMale)
	_, err := st.CreateUser(ctx, model.User{ID: 9})
	require.NoError(t, err)

	p := NewPool(st, &pairedByPeer{inner: session.NewRegistry(st, zerolog.Nop()), peer: 9}, 0, zerolog.Nop())

	partner, err := p.FindAndPair(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, int64(9), partner)

	two, err := st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.True(t, two.LookingForChat, "the untouched candidate stays in the pool")
}
