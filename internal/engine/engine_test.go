package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/eligibility"
	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/ratelimit"
	"github.com/whisper/pairbot/internal/relay"
	"github.com/whisper/pairbot/internal/session"
	"github.com/whisper/pairbot/internal/store"
	"github.com/whisper/pairbot/internal/store/memstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type transport struct {
	mu   sync.Mutex
	sent map[int64][]relay.Content
}

func (tr *transport) Deliver(_ context.Context, to int64, c relay.Content) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent[to] = append(tr.sent[to], c)
	return nil
}

func (tr *transport) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, c := range tr.sent {
		n += len(c)
	}
	return n
}

type events struct {
	mu  sync.Mutex
	got []matching.SessionEvent
}

func (e *events) PublishSessionEvent(_ context.Context, ev matching.SessionEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

// members reports membership from a mutable set keyed by user id.
type members struct {
	mu  sync.Mutex
	out map[int64]bool
}

func (m *members) IsMember(_ context.Context, _, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.out[userID], nil
}

func (m *members) leave(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out[userID] = true
}

type harness struct {
	eng    *Engine
	st     *memstore.Store
	clock  *clock
	tr     *transport
	events *events
}

func newHarness(t *testing.T, mutate ...func(*Config, *Deps)) harness {
	t.Helper()
	h := harness{
		st:     memstore.New(),
		clock:  &clock{t: time.Unix(1_700_000_000, 0).UTC()},
		tr:     &transport{sent: map[int64][]relay.Content{}},
		events: &events{},
	}
	cfg := DefaultConfig()
	deps := Deps{Store: h.st, Transport: h.tr, Events: h.events}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	h.eng = New(deps, cfg, zerolog.Nop(), WithClock(h.clock.Now))
	return h
}

// ready registers id with terms and a complete profile.
func (h harness) ready(t *testing.T, id int64, g model.Gender) {
	t.Helper()
	ctx := context.Background()
	_, err := h.eng.Register(ctx, NewUser{ID: id, FirstName: "u"}, "")
	require.NoError(t, err)
	require.NoError(t, h.eng.AgreeTerms(ctx, id))
	require.NoError(t, h.eng.SaveProfile(ctx, id, model.Profile{Gender: g, Age: 21, Country: "NP"}))
}

func TestScenario_VipMaleFindsFemale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderFemale)

	_, err := h.eng.GrantVip(ctx, 1, 7)
	require.NoError(t, err)

	res, err := h.eng.StartSearch(ctx, 1, model.GenderFemale)
	require.NoError(t, err)
	require.True(t, res.Admission.Admitted)
	assert.Equal(t, matching.StatusSearching, res.Status)

	res, err = h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPaired, res.Status)
	assert.Equal(t, int64(1), res.Partner)

	out, err := h.eng.Relay(ctx, 1, relay.Text{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusDelivered, out.Status)
	assert.Equal(t, []relay.Content{relay.Text{Body: "hello"}}, h.tr.sent[2])

	partner, err := h.eng.EndSession(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), partner)

	a, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, a.ChatPartner)

	require.Len(t, h.events.got, 2)
	assert.Equal(t, matching.EventPaired, h.events.got[0].Type)
	assert.Equal(t, matching.EventEnded, h.events.got[1].Type)
}

func TestStartSearch_ConcurrentPerfectMatching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 30
	for id := int64(1); id <= n; id++ {
		h.ready(t, id, model.GenderMale)
	}

	var wg sync.WaitGroup
	for id := int64(1); id <= n; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.StartSearch(ctx, id, model.GenderUnset)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Anyone left waiting searches again, one at a time, until at most one
	// user remains unpaired.
	for id := int64(1); id <= n; id++ {
		u, err := h.st.GetUser(ctx, id)
		require.NoError(t, err)
		if !u.InSession() {
			_, err := h.eng.StartSearch(ctx, id, model.GenderUnset)
			require.NoError(t, err)
		}
	}

	unpaired := 0
	for id := int64(1); id <= n; id++ {
		u, err := h.st.GetUser(ctx, id)
		require.NoError(t, err)
		if !u.InSession() {
			unpaired++
			continue
		}
		p, err := h.st.GetUser(ctx, u.ChatPartner)
		require.NoError(t, err)
		assert.Equal(t, id, p.ChatPartner, "mutual link for %d", id)
		assert.NotEqual(t, id, u.ChatPartner)
	}
	assert.Zero(t, unpaired, "an even population pairs up completely")

	stats, err := h.eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n/2), stats.ActiveChats)
}

func TestEndSession_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderFemale)
	_, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	_, err = h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)

	_, err = h.eng.EndSession(ctx, 1)
	require.NoError(t, err)
	_, err = h.eng.EndSession(ctx, 1)
	require.ErrorIs(t, err, session.ErrNotInSession)
	_, err = h.eng.EndSession(ctx, 2)
	require.ErrorIs(t, err, session.ErrNotInSession)
}

func TestStartSearch_GenderFilterNeverCrosses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderFemale)
	for id := int64(10); id < 15; id++ {
		h.ready(t, id, model.GenderMale)
		_, err := h.eng.StartSearch(ctx, id, model.GenderUnset)
		require.NoError(t, err)
	}
	h.ready(t, 20, model.GenderFemale)
	_, err := h.eng.StartSearch(ctx, 20, model.GenderUnset)
	require.NoError(t, err)
	_, err = h.eng.GrantVip(ctx, 1, 1)
	require.NoError(t, err)

	u20, err := h.st.GetUser(ctx, 20)
	require.NoError(t, err)
	require.True(t, u20.InSession(), "an unfiltered searcher takes anyone")

	res, err := h.eng.StartSearch(ctx, 1, model.GenderFemale)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusSearching, res.Status, "no free female is left")
}

func TestStartSearch_VipGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)

	_, err := h.eng.StartSearch(ctx, 1, model.GenderFemale)
	require.ErrorIs(t, err, matching.ErrVipRequired)

	require.ErrorIs(t, h.eng.SetPartnerFilter(ctx, 1, model.GenderFemale), matching.ErrVipRequired)
	require.NoError(t, h.eng.SetPartnerFilter(ctx, 1, model.GenderUnset))
}

func TestStartPreferredSearch_StoredFilterAppliesWhileVip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderMale)
	_, err := h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)

	_, err = h.eng.GrantVip(ctx, 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.eng.SetPartnerFilter(ctx, 1, model.GenderFemale))

	res, err := h.eng.StartPreferredSearch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusSearching, res.Status, "the stored filter skips the waiting male")

	_, err = h.eng.CancelSearch(ctx, 1)
	require.NoError(t, err)
	h.clock.Advance(25 * time.Hour)
	res, err = h.eng.StartPreferredSearch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPaired, res.Status, "an expired VIP searches unfiltered")
}

func TestStartSearch_RandomIgnoresStoredFilter(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.KeepWaiting = false })
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderMale)

	_, err := h.eng.GrantVip(ctx, 1, 7)
	require.NoError(t, err)
	require.NoError(t, h.eng.SetPartnerFilter(ctx, 1, model.GenderFemale))
	ok, err := h.st.SetLooking(ctx, 2, true)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPaired, res.Status)
	assert.Equal(t, int64(2), res.Partner)
}

func TestStartSearch_WaitingFilteredVipTakenByRandomSearcher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderMale)
	_, err := h.eng.GrantVip(ctx, 1, 7)
	require.NoError(t, err)

	res, err := h.eng.StartSearch(ctx, 1, model.GenderFemale)
	require.NoError(t, err)
	require.Equal(t, matching.StatusSearching, res.Status)

	// Only the searcher's own filter is applied: the waiting user's filter
	// does not protect them from a random searcher of the other gender.
	res, err = h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPaired, res.Status)
	assert.Equal(t, int64(1), res.Partner)
}

func TestStartSearch_DeniedByGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Register(ctx, NewUser{ID: 1}, "")
	require.NoError(t, err)

	res, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	assert.False(t, res.Admission.Admitted)
	assert.Equal(t, eligibility.ReasonTermsRequired, res.Admission.Reason)

	u, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.LookingForChat)
}

func TestRelay_LinkRejectedWithoutDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderFemale)
	_, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	_, err = h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)

	out, err := h.eng.Relay(ctx, 1, relay.Text{Body: "visit my site dot COM: x.com"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusRejected, out.Status)
	assert.Equal(t, relay.ReasonLinkNotAllowed, out.Reason)
	assert.Zero(t, h.tr.count())
}

func TestRelay_SenderWhoLeftGroupIsStopped(t *testing.T) {
	m := &members{out: map[int64]bool{}}
	h := newHarness(t, func(_ *Config, d *Deps) { d.Members = m })
	ctx := context.Background()
	require.NoError(t, h.st.AddRequiredGroup(ctx, model.RequiredGroup{GroupID: -100, Link: "@club"}))
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderFemale)
	_, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	res, err := h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)
	require.Equal(t, matching.StatusPaired, res.Status)

	m.leave(1)

	out, err := h.eng.Relay(ctx, 1, relay.Text{Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusRejected, out.Status)
	assert.Equal(t, relay.ReasonNotEligible, out.Reason)
	assert.False(t, out.Admission.Admitted)
	assert.Equal(t, eligibility.ReasonGroupJoinRequired, out.Admission.Reason)
	assert.Zero(t, h.tr.count())

	u, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.ChatPartner, "the session survives until the sender ends it")

	out, err = h.eng.Relay(ctx, 2, relay.Text{Body: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusDelivered, out.Status)
}

func TestRegister_ReferralGrantedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)

	res, err := h.eng.Register(ctx, NewUser{ID: 2}, "1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1), res.ReferredBy)
	assert.Equal(t, int64(1), res.User.ReferredBy)

	res, err = h.eng.Register(ctx, NewUser{ID: 2}, "1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Zero(t, res.ReferredBy)

	ref, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, ref.ReferralCount)
	assert.True(t, ref.VipActive(h.clock.Now()))

	res, err = h.eng.Register(ctx, NewUser{ID: 3}, "3")
	require.NoError(t, err)
	assert.True(t, res.Created, "a self referral still registers")
	assert.Zero(t, res.ReferredBy)
}

func TestIsVipActive_ExpiryPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	_, err := h.eng.GrantVip(ctx, 1, 1)
	require.NoError(t, err)

	h.clock.Advance(24*time.Hour + time.Minute)
	active, err := h.eng.IsVipActive(ctx, 1)
	require.NoError(t, err)
	assert.False(t, active)

	u, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.IsVip)
}

func TestRemoveUser_EndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)
	h.ready(t, 2, model.GenderFemale)
	_, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.NoError(t, err)
	_, err = h.eng.StartSearch(ctx, 2, model.GenderUnset)
	require.NoError(t, err)

	partner, err := h.eng.RemoveUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), partner)

	_, err = h.st.GetUser(ctx, 2)
	require.ErrorIs(t, err, store.ErrNotFound)
	u, err := h.st.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.InSession())

	out, err := h.eng.Relay(ctx, 1, relay.Text{Body: "still there?"})
	require.NoError(t, err)
	assert.Equal(t, relay.ReasonNotInSession, out.Reason)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config, d *Deps) {
		c.SearchRule = ratelimit.RuleSearch.WithLimit(2)
		d.Limiter = ratelimit.NewMemoryLimiter()
	})
	ctx := context.Background()
	h.ready(t, 1, model.GenderMale)

	for i := 0; i < 2; i++ {
		_, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
		require.NoError(t, err)
		_, err = h.eng.CancelSearch(ctx, 1)
		require.NoError(t, err)
	}
	_, err := h.eng.StartSearch(ctx, 1, model.GenderUnset)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestSaveProfile_Validates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.eng.Register(ctx, NewUser{ID: 1}, "")
	require.NoError(t, err)

	err = h.eng.SaveProfile(ctx, 1, model.Profile{Gender: model.GenderMale, Age: 12, Country: "NP"})
	require.ErrorIs(t, err, model.ErrProfileAge)

	u, err := h.eng.Profile(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.ProfileCompleted)
}
