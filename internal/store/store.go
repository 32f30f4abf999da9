// Package store defines the persistence contract of the pairing engine.
//
// Every adapter must make Pair, SetLooking, EndSession and DeleteUser atomic:
// these are the only paths that touch chat_partner and looking_for_chat, and
// two concurrent callers must never both observe a user as free.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/pairbot/internal/model"
)

var (
	// ErrNotFound is returned when a user, group or admin does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotInSession is returned by EndSession when the user has no partner.
	ErrNotInSession = errors.New("store: not in session")

	// ErrInconsistent marks a broken mutual-partner link. It is always an
	// internal error and must reach the logs.
	ErrInconsistent = errors.New("store: inconsistent pairing state")
)

// PairOutcome is the result of a conditional pairing attempt.
type PairOutcome int

const (
	PairPaired PairOutcome = iota
	// PairAlreadyTaken means one side was no longer free (or the candidate no
	// longer matched the requested gender). Callers move on to another candidate.
	PairAlreadyTaken
	PairNotFound
)

func (o PairOutcome) String() string {
	switch o {
	case PairPaired:
		return "paired"
	case PairAlreadyTaken:
		return "already_taken"
	case PairNotFound:
		return "not_found"
	}
	return "unknown"
}

// Users covers identity and profile state.
type Users interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	// CreateUser inserts u if no user with u.ID exists and reports whether it did.
	CreateUser(ctx context.Context, u model.User) (bool, error)
	SaveProfile(ctx context.Context, id int64, p model.Profile) error
	SetAgreedTerms(ctx context.Context, id int64, agreed bool) error
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	SetPartnerFilter(ctx context.Context, id int64, g model.Gender) error
	// DeleteUser removes the user, ends their active session and clears
	// referral links pointing at them in one transaction. It returns the
	// former partner (0 if none).
	DeleteUser(ctx context.Context, id int64, now time.Time) (int64, error)
}

// Entitlements covers VIP and referral counters.
type Entitlements interface {
	SetVip(ctx context.Context, id int64, until time.Time) error
	// ExpireVip clears the VIP flag if its window ended at or before now.
	ExpireVip(ctx context.Context, id int64, now time.Time) (bool, error)
	IncrementReferrals(ctx context.Context, id int64) error
	ExpireAllVip(ctx context.Context, now time.Time) (int64, error)
}

// Pairing covers the seeking pool and the session lifecycle.
type Pairing interface {
	// SetLooking toggles looking_for_chat. Turning it on only applies while
	// the user has no partner; the bool reports whether the write applied.
	SetLooking(ctx context.Context, id int64, looking bool) (bool, error)
	// Candidates returns up to limit seeking users other than requester,
	// filtered by gender when g is set, in random order.
	Candidates(ctx context.Context, requester int64, g model.Gender, limit int) ([]int64, error)
	// Pair links requester and candidate if both are free and the candidate
	// is still seekable (and of gender g when set), recording a new session.
	Pair(ctx context.Context, requester, candidate int64, g model.Gender, sessionID string, now time.Time) (PairOutcome, error)
	// EndSession clears both sides of id's session and returns the partner.
	EndSession(ctx context.Context, id int64, now time.Time) (int64, error)
	ActiveSession(ctx context.Context, id int64) (*model.ChatSession, error)
}

// Groups covers the mandatory membership list.
type Groups interface {
	RequiredGroups(ctx context.Context) ([]model.RequiredGroup, error)
	AddRequiredGroup(ctx context.Context, g model.RequiredGroup) error
	RemoveRequiredGroup(ctx context.Context, groupID int64) error
}

// Admins covers the admin roster.
type Admins interface {
	IsAdmin(ctx context.Context, id int64) (bool, error)
	AddAdmin(ctx context.Context, a model.Admin) error
	RemoveAdmin(ctx context.Context, id int64) error
	ListAdmins(ctx context.Context) ([]model.Admin, error)
}

// MessageLogs persists moderation copies.
type MessageLogs interface {
	LogMessage(ctx context.Context, m model.MessageLog) error
}

// Reporting produces aggregate counters.
type Reporting interface {
	Stats(ctx context.Context, now time.Time) (model.Stats, error)
}

// Store is the full contract implemented by every adapter.
type Store interface {
	Users
	Entitlements
	Pairing
	Groups
	Admins
	MessageLogs
	Reporting

	Ping(ctx context.Context) error
	Close() error
}
