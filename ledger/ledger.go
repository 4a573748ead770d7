// Package ledger records solves and credits scores exactly once per
// (user, challenge) pair.
//
// Every Backend performs the "has this pair been solved" check, the Solve
// insert, the first-solve decision and the score increment as one atomic
// operation: a transaction around INSERT ... ON CONFLICT DO NOTHING for SQL
// stores, a Lua script for Redis, a per-challenge mutex in memory. A caller
// that loses the insert gets Result{Credited: false}; that is the correct
// answer for a duplicate, not a transient failure, so nothing is retried.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctf-scoring/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidArgument = errors.New("invalid ledger argument")
	ErrUserNotFound    = errors.New("user not found")
)

// AwardFunc computes the amount to credit once the backend knows whether the
// winning insert is the first solve of the challenge.
type AwardFunc func(isFirstSolve bool) int64

type CreditRequest struct {
	SolveID     string
	UserID      int64
	ChallengeID string
	SolvedAt    time.Time
	Award       AwardFunc
}

type SolveFilter struct {
	UserID      int64
	ChallengeID string
	Limit       int
}

// DefaultSolveLimit caps Solves when the filter sets no limit.
const DefaultSolveLimit = 100

// Backend is the durable side of the ledger. It doubles as the account store:
// scores are only ever changed by Credit.
type Backend interface {
	// Credit atomically inserts the solve if the pair has none yet, decides
	// the first-solve flag against the stored solves, and increments the
	// user's points by the award. It reports false when a solve already existed.
	Credit(ctx context.Context, req CreditRequest) (models.Solve, bool, error)
	FindUser(ctx context.Context, userID int64) (*models.User, error)
	// EnsureUser creates the account if it does not exist. Existing accounts
	// are left untouched.
	EnsureUser(ctx context.Context, u models.User) error
	Solves(ctx context.Context, f SolveFilter) ([]models.Solve, error)
}

type Result struct {
	Credited bool
	Solve    models.Solve
}

type Ledger struct {
	backend Backend
	l       *zap.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*Ledger)

// WithClock replaces time.Now for solve timestamps.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

func New(backend Backend, l *zap.Logger, opts ...Option) *Ledger {
	if l == nil {
		l = zap.NewNop()
	}
	lg := &Ledger{
		backend: backend,
		l:       l.Named("ledger"),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// TryCredit moves (userID, challengeID) from unsolved to solved. Exactly one
// of any number of concurrent calls for the same pair returns Credited.
func (lg *Ledger) TryCredit(ctx context.Context, userID int64, challengeID string, award AwardFunc) (Result, error) {
	if userID <= 0 || strings.TrimSpace(challengeID) == "" || award == nil {
		return Result{}, ErrInvalidArgument
	}

	req := CreditRequest{
		SolveID:     lg.newID(),
		UserID:      userID,
		ChallengeID: challengeID,
		SolvedAt:    lg.now().UTC(),
		// scores never decrease
		Award: func(first bool) int64 {
			if a := award(first); a > 0 {
				return a
			}
			return 0
		},
	}

	solve, credited, err := lg.backend.Credit(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("credit %d/%s: %w", userID, challengeID, err)
	}

	if !credited {
		lg.l.Debug("solve already recorded", zap.Int64("user_id", userID), zap.String("challenge", challengeID))
		return Result{Credited: false}, nil
	}

	lg.l.Info("solve recorded",
		zap.Int64("user_id", userID),
		zap.String("challenge", challengeID),
		zap.Int64("award", solve.Award),
		zap.Bool("first_solve", solve.FirstSolve),
	)
	return Result{Credited: true, Solve: solve}, nil
}

func (lg *Ledger) FindUser(ctx context.Context, userID int64) (*models.User, error) {
	if userID <= 0 {
		return nil, ErrInvalidArgument
	}
	return lg.backend.FindUser(ctx, userID)
}

func (lg *Ledger) EnsureUser(ctx context.Context, u models.User) error {
	if u.ID <= 0 {
		return ErrInvalidArgument
	}
	return lg.backend.EnsureUser(ctx, u)
}

// Solves lists recorded solves, newest first.
func (lg *Ledger) Solves(ctx context.Context, f SolveFilter) ([]models.Solve, error) {
	if f.Limit <= 0 || f.Limit > DefaultSolveLimit {
		f.Limit = DefaultSolveLimit
	}
	return lg.backend.Solves(ctx, f)
}
