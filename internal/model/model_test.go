package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGender(t *testing.T) {
	tests := []struct {
		in      string
		want    Gender
		wantErr bool
	}{
		{"male", GenderMale, false},
		{" F ", GenderFemale, false},
		{"Girl", GenderFemale, false},
		{"any", GenderUnset, false},
		{"", GenderUnset, false},
		{"robot", GenderUnset, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGender(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUser_VipActive(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		u    User
		want bool
	}{
		{"no vip", User{}, false},
		{"flag without window", User{IsVip: true}, false},
		{"open window", User{IsVip: true, VipUntil: &future}, true},
		{"elapsed window", User{IsVip: true, VipUntil: &past}, false},
		{"window at now", User{IsVip: true, VipUntil: &now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.u.VipActive(now))
		})
	}
}

func TestUser_Seekable(t *testing.T) {
	base := User{ID: 1, LookingForChat: true, ProfileCompleted: true, AgreedTerms: true}
	assert.True(t, base.Seekable())

	paired := base
	paired.ChatPartner = 2
	assert.False(t, paired.Seekable())

	blocked := base
	blocked.IsBlocked = true
	assert.False(t, blocked.Seekable())

	idle := base
	idle.LookingForChat = false
	assert.False(t, idle.Seekable())
}

func TestProfile_Validate(t *testing.T) {
	assert.NoError(t, Profile{Gender: GenderMale, Age: 18, Country: "NP"}.Validate())
	assert.ErrorIs(t, Profile{Age: 20, Country: "NP"}.Validate(), ErrProfileGender)
	assert.ErrorIs(t, Profile{Gender: GenderFemale, Age: 17, Country: "NP"}.Validate(), ErrProfileAge)
	assert.ErrorIs(t, Profile{Gender: GenderFemale, Age: 30, Country: " "}.Validate(), ErrProfileCountry)
}

func TestRequiredGroup_JoinLink(t *testing.T) {
	tests := []struct {
		link string
		want string
	}{
		{"@news", "https://t.me/news"},
		{"news", "https://t.me/news"},
		{"t.me/news", "https://t.me/news"},
		{"https://t.me/+abc", "https://t.me/+abc"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredGroup{Link: tt.link}.JoinLink(), tt.link)
	}
}

func TestChatSession_Partner(t *testing.T) {
	s := ChatSession{UserA: 10, UserB: 20}
	assert.Equal(t, int64(20), s.Partner(10))
	assert.Equal(t, int64(10), s.Partner(20))
	assert.Zero(t, s.Partner(30))
}
