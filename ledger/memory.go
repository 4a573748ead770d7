package ledger

import (
	"context"
	"sort"
	"sync"

	"ctf-scoring/models"
)

// MemoryBackend keeps everything in process. Credits for different challenges
// never share a lock beyond the short account update.
type MemoryBackend struct {
	challenges sync.Map // challenge id -> *challengeSolves

	mu     sync.RWMutex
	users  map[int64]*models.User
	solves []models.Solve
}

type challengeSolves struct {
	mu     sync.Mutex
	byUser map[int64]struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: make(map[int64]*models.User)}
}

func (b *MemoryBackend) Credit(ctx context.Context, req CreditRequest) (models.Solve, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Solve{}, false, err
	}

	v, _ := b.challenges.LoadOrStore(req.ChallengeID, &challengeSolves{byUser: make(map[int64]struct{})})
	cs := v.(*challengeSolves)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.byUser[req.UserID]; ok {
		return models.Solve{}, false, nil
	}

	b.mu.RLock()
	_, exists := b.users[req.UserID]
	b.mu.RUnlock()
	if !exists {
		return models.Solve{}, false, ErrUserNotFound
	}

	first := len(cs.byUser) == 0
	solve := models.Solve{
		ID:          req.SolveID,
		UserID:      req.UserID,
		ChallengeID: req.ChallengeID,
		Award:       req.Award(first),
		FirstSolve:  first,
		SolvedAt:    req.SolvedAt,
	}

	b.mu.Lock()
	u := b.users[req.UserID]
	u.Points += solve.Award
	solve.Username = u.Username
	b.solves = append(b.solves, solve)
	b.mu.Unlock()

	cs.byUser[req.UserID] = struct{}{}
	return solve, true, nil
}

func (b *MemoryBackend) FindUser(_ context.Context, userID int64) (*models.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	u, ok := b.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (b *MemoryBackend) EnsureUser(_ context.Context, u models.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.users[u.ID]; ok {
		return nil
	}
	points := u.Points
	if points < 0 {
		points = 0
	}
	b.users[u.ID] = &models.User{ID: u.ID, Username: u.Username, Points: points}
	return nil
}

func (b *MemoryBackend) Solves(_ context.Context, f SolveFilter) ([]models.Solve, error) {
	b.mu.RLock()
	out := make([]models.Solve, 0, len(b.solves))
	for i := len(b.solves) - 1; i >= 0; i-- {
		s := b.solves[i]
		if f.UserID != 0 && s.UserID != f.UserID {
			continue
		}
		if f.ChallengeID != "" && s.ChallengeID != f.ChallengeID {
			continue
		}
		out = append(out, s)
	}
	b.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SolvedAt.After(out[j].SolvedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
