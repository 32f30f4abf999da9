package matching

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/entitlement"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/session"
	"github.com/whisper/pairbot/internal/store/memstore"
	"github.com/whisper/pairbot/internal/store/storetest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (p *recordingPublisher) PublishSessionEvent(_ context.Context, ev SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	svc     *Service
	st      *memstore.Store
	tracker *entitlement.Tracker
	pub     *recordingPublisher
}

func newService(t *testing.T, keepWaiting bool) fixture {
	t.Helper()
	st := memstore.New()
	reg := session.NewRegistry(st, zerolog.Nop())
	pool := NewPool(st, reg, 0, zerolog.Nop())
	tracker := entitlement.NewTracker(st, zerolog.Nop())
	pub := &recordingPublisher{}
	svc := NewService(pool, st, tracker, pub, Config{KeepWaiting: keepWaiting}, zerolog.Nop())
	return fixture{svc: svc, st: st, tracker: tracker, pub: pub}
}

// idle registers a ready user who is not yet looking.
func idle(t *testing.T, f fixture, id int64, g model.Gender) {
	t.Helper()
	storetest.Seeker(t, f.st, id, g)
	_, err := f.st.SetLooking(context.Background(), id, false)
	require.NoError(t, err)
}

func TestStartSearch_WaitsThenGetsPicked(t *testing.T) {
	f := newService(t, true)
	ctx := context.Background()
	idle(t, f, 1, model.GenderMale)
	idle(t, f, 2, model.GenderFemale)

	res, err := f.svc.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, res.Status)

	u, err := f.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.LookingForChat)

	res, err = f.svc.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusPaired, Partner: 1}, res)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, EventPaired, f.pub.events[0].Type)
}

func TestStartSearch_NoneAvailableWithoutWaiting(t *testing.T) {
	f := newService(t, false)
	ctx := context.Background()
	idle(t, f, 1, model.GenderMale)

	res, err := f.svc.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, StatusNoneAvailable, res.Status)

	u, err := f.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.LookingForChat)
}

func TestStartSearch_FilterRequiresVip(t *testing.T) {
	f := newService(t, true)
	ctx := context.Background()
	idle(t, f, 1, model.GenderMale)
	idle(t, f, 2, model.GenderFemale)
	_, err := f.st.SetLooking(ctx, 2, true)
	require.NoError(t, err)

	_, err = f.svc.StartSearch(ctx, 1, model.GenderFemale)
	require.ErrorIs(t, err, ErrVipRequired)

	u, err := f.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.LookingForChat, "a rejected search never enters the pool")

	_, err = f.tracker.GrantVip(ctx, 1, 1, entitlement.SourceAdmin)
	require.NoError(t, err)
	res, err := f.svc.StartSearch(ctx, 1, model.GenderFemale)
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusPaired, Partner: 2}, res)
}

func TestStartSearch_AlreadyInSession(t *testing.T) {
	f := newService(t, true)
	ctx := context.Background()
	idle(t, f, 1, model.GenderMale)
	idle(t, f, 2, model.GenderMale)
	_, err := f.svc.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	_, err = f.svc.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)

	res, err := f.svc.StartSearch(ctx, 1, model.GenderUnset)
	require.ErrorIs(t, err, ErrAlreadyInSession)
	assert.Equal(t, int64(2), res.Partner)
}

func TestCancelSearch(t *testing.T) {
	f := newService(t, true)
	ctx := context.Background()
	idle(t, f, 1, model.GenderMale)

	was, err := f.svc.CancelSearch(ctx, 1)
	require.NoError(t, err)
	assert.False(t, was)

	_, err = f.svc.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	was, err = f.svc.CancelSearch(ctx, 1)
	require.NoError(t, err)
	assert.True(t, was)

	u, err := f.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.LookingForChat)
}

func TestStartSearch_ConcurrentNoDoubleBooking(t *testing.T) {
	f := newService(t, true)
	ctx := context.Background()
	const n = 40
	for id := int64(1); id <= n; id++ {
		g := model.GenderMale
		if id%2 == 0 {
			g = model.GenderFemale
		}
		idle(t, f, id, g)
	}

	results := make([]Result, n+1)
	var wg sync.WaitGroup
	for id := int64(1); id <= n; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.StartSearch(ctx, id, model.GenderUnset)
			assert.NoError(t, err)
			results[id] = res
		}()
	}
	wg.Wait()

	partnerOf := map[int64]int64{}
	for id := int64(1); id <= n; id++ {
		u, err := f.st.GetUser(ctx, id)
		require.NoError(t, err)
		if u.InSession() {
			assert.False(t, u.LookingForChat)
			partnerOf[id] = u.ChatPartner
		}
		if results[id].Status == StatusPaired {
			assert.Equal(t, results[id].Partner, u.ChatPartner, "reported partner matches the store for %d", id)
		}
	}
	for a, b := range partnerOf {
		assert.NotEqual(t, a, b)
		assert.Equal(t, a, partnerOf[b], "%d and %d must point at each other", a, b)
	}
	assert.Positive(t, len(partnerOf))
	assert.Equal(t, 0, len(partnerOf)%2)
}
