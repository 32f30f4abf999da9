package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
	"github.com/whisper/pairbot/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestEndSession_OneSidedLink(t *testing.T) {
	s := New()
	ctx := context.Background()
	storetest.Seeker(t, s, 1, model.GenderMale)
	storetest.Seeker(t, s, 2, model.GenderFemale)

	// Corrupt the state so 1 points at 2 but 2 does not point back.
	s.users[1].ChatPartner = 2
	s.users[1].LookingForChat = false

	partner, err := s.EndSession(ctx, 1, time.Now())
	require.ErrorIs(t, err, store.ErrInconsistent)
	assert.Equal(t, int64(2), partner)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, u.ChatPartner, "the caller's side is still cleared")
}

func TestGetUser_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateUser(ctx, model.User{ID: 1})
	require.NoError(t, err)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	u.IsBlocked = true

	again, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, again.IsBlocked)
}
