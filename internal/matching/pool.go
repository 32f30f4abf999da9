package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

const (
	// DefaultSample is how many candidates are drawn per round.
	DefaultSample = 20

	// maxRounds bounds how often the pool is re-sampled after every drawn
	// candidate was taken by someone else.
	maxRounds = 3
)

var (
	// ErrNoneAvailable means no seekable partner matched the request.
	ErrNoneAvailable = errors.New("matching: no partner available")

	// ErrAlreadyInSession means the user already has a partner.
	ErrAlreadyInSession = errors.New("matching: already in session")
)

// PoolStore is the subset of store.Store the pool reads and writes.
type PoolStore interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SetLooking(ctx context.Context, id int64, looking bool) (bool, error)
	Candidates(ctx context.Context, requester int64, g model.Gender, limit int) ([]int64, error)
}

// Pairer performs the conditional pairing of two users.
type Pairer interface {
	TryPair(ctx context.Context, requester, candidate int64, g model.Gender) (store.PairOutcome, error)
}

// Pool is the set of users currently looking for a partner. Membership is
// the looking_for_chat flag in the store; the pool itself holds no state.
type Pool struct {
	store  PoolStore
	pairer Pairer
	sample int
	log    zerolog.Logger
}

// NewPool creates a pool. sample <= 0 uses DefaultSample.
func NewPool(st PoolStore, pairer Pairer, sample int, logger zerolog.Logger) *Pool {
	if sample <= 0 {
		sample = DefaultSample
	}
	return &Pool{
		store:  st,
		pairer: pairer,
		sample: sample,
		log:    logger.With().Str("component", "pool").Logger(),
	}
}

// Enqueue marks userID as looking. A user who already has a partner cannot
// join the pool.
func (p *Pool) Enqueue(ctx context.Context, userID int64) error {
	ok, err := p.store.SetLooking(ctx, userID, true)
	if err != nil {
		return fmt.Errorf("matching: enqueue %d: %w", userID, err)
	}
	if !ok {
		return ErrAlreadyInSession
	}
	return nil
}

// Dequeue removes userID from the pool.
func (p *Pool) Dequeue(ctx context.Context, userID int64) error {
	if _, err := p.store.SetLooking(ctx, userID, false); err != nil {
		return fmt.Errorf("matching: dequeue %d: %w", userID, err)
	}
	return nil
}

// FindAndPair pairs userID with a random seekable partner, restricted to
// gender g when set. Candidates are tried one at a time through the
// conditional pair path so two searchers can never claim the same partner.
//
// If nobody is available the looking flag is cleared and ErrNoneAvailable
// returned. If a concurrent searcher paired userID in the meantime, that
// partner is returned instead.
func (p *Pool) FindAndPair(ctx context.Context, userID int64, g model.Gender) (int64, error) {
	for round := 0; round < maxRounds; round++ {
		candidates, err := p.store.Candidates(ctx, userID, g, p.sample)
		if err != nil {
			return 0, fmt.Errorf("matching: candidates for %d: %w", userID, err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, c := range candidates {
			out, err := p.pairer.TryPair(ctx, userID, c, g)
			if err != nil {
				return 0, err
			}
			switch out {
			case store.PairPaired:
				return c, nil
			case store.PairAlreadyTaken:
				partner, err := p.partnerOf(ctx, userID)
				if err != nil {
					return 0, err
				}
				if partner != 0 {
					return partner, nil
				}
			case store.PairNotFound:
				p.log.Debug().Int64("user_id", userID).Int64("candidate", c).Msg("candidate vanished")
			}
		}
	}

	if err := p.Dequeue(ctx, userID); err != nil {
		return 0, err
	}
	// Someone may have paired us between the last attempt and the dequeue.
	partner, err := p.partnerOf(ctx, userID)
	if err != nil {
		return 0, err
	}
	if partner != 0 {
		return partner, nil
	}
	return 0, ErrNoneAvailable
}

func (p *Pool) partnerOf(ctx context.Context, userID int64) (int64, error) {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("matching: load %d: %w", userID, err)
	}
	return u.ChatPartner, nil
}
