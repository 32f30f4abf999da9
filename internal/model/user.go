// Package model holds the domain types shared by the pairing engine, its
// stores and its transports.
package model

import (
	"errors"
	"strings"
	"time"
)

// MinAge is the youngest age accepted on a profile.
const MinAge = 18

// Gender is a user's declared gender. GenderUnset doubles as "no filter"
// when used as a search preference.
type Gender string

const (
	GenderUnset  Gender = ""
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// ParseGender accepts the common spellings users type into the bot.
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m", "boy", "man":
		return GenderMale, nil
	case "female", "f", "girl", "woman":
		return GenderFemale, nil
	case "", "any", "random":
		return GenderUnset, nil
	}
	return GenderUnset, errors.New("model: unknown gender " + s)
}

// Valid reports whether g is one of the known values (including unset).
func (g Gender) Valid() bool {
	return g == GenderUnset || g == GenderMale || g == GenderFemale
}

func (g Gender) String() string {
	if g == GenderUnset {
		return "any"
	}
	return string(g)
}

// User is a registered chat participant.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string

	Gender  Gender
	Age     int
	Country string

	AgreedTerms      bool
	ProfileCompleted bool
	IsBlocked        bool

	IsVip    bool
	VipUntil *time.Time

	ReferredBy    int64 // 0 when the user joined without a referral
	ReferralCount int
	PartnerFilter Gender

	ChatPartner    int64 // 0 when not in a session
	LookingForChat bool

	CreatedAt time.Time
}

// InSession reports whether the user currently has a partner.
func (u *User) InSession() bool {
	return u.ChatPartner != 0
}

// VipActive reports whether the VIP window is still open at now. It does not
// look at IsVip alone, a stale flag with an elapsed window is not active.
func (u *User) VipActive(now time.Time) bool {
	return u.IsVip && u.VipUntil != nil && now.Before(*u.VipUntil)
}

// Seekable reports whether u may be offered as a candidate to someone else.
func (u *User) Seekable() bool {
	return u.LookingForChat && !u.InSession() && !u.IsBlocked &&
		u.ProfileCompleted && u.AgreedTerms
}

// DisplayName is used in moderation copies and admin listings.
func (u *User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return "unknown"
	}
	return name
}

// Profile is the self-declared part of a user record.
type Profile struct {
	Gender  Gender
	Age     int
	Country string
}

var (
	ErrProfileGender  = errors.New("model: gender is required")
	ErrProfileAge     = errors.New("model: age below minimum")
	ErrProfileCountry = errors.New("model: country is required")
)

// Validate checks that the profile is complete enough to be matched.
func (p Profile) Validate() error {
	if p.Gender == GenderUnset || !p.Gender.Valid() {
		return ErrProfileGender
	}
	if p.Age < MinAge {
		return ErrProfileAge
	}
	if strings.TrimSpace(p.Country) == "" {
		return ErrProfileCountry
	}
	return nil
}
