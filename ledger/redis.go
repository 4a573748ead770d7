package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"ctf-scoring/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// creditScript runs the whole credit as one Redis command.
//
// KEYS: user hash, challenge solves hash, challenge first-solve key, solve log.
// ARGV: user id, first award, first record, award, record, log score.
// Returns -1 for an unknown user, 0 when the pair is already solved, 1 for a
// credit and 2 for a first-solve credit.
var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 0
end
local award, record, result = ARGV[4], ARGV[5], 1
if redis.call('SETNX', KEYS[3], ARGV[1]) == 1 then
	award, record, result = ARGV[2], ARGV[3], 2
end
redis.call('HSETNX', KEYS[2], ARGV[1], record)
redis.call('HINCRBY', KEYS[1], 'points', award)
redis.call('ZADD', KEYS[4], ARGV[6], record)
return result
`)

// RedisBackend stores users as hashes ({prefix}:user:{id}), solves per
// challenge as a hash keyed by user id, and every solve in a sorted set
// ordered by solve time.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	l      *zap.Logger
}

func NewRedisBackend(rdb redis.UniversalClient, prefix string, l *zap.Logger) *RedisBackend {
	if l == nil {
		l = zap.NewNop()
	}
	if prefix == "" {
		prefix = "ctf"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, l: l.Named("ledger.redis")}
}

func (b *RedisBackend) userKey(id int64) string {
	return b.prefix + ":user:" + strconv.FormatInt(id, 10)
}

func (b *RedisBackend) solvesKey(challengeID string) string {
	return b.prefix + ":solves:" + challengeID
}

func (b *RedisBackend) firstKey(challengeID string) string {
	return b.prefix + ":first:" + challengeID
}

func (b *RedisBackend) logKey() string {
	return b.prefix + ":solve_log"
}

func (b *RedisBackend) Credit(ctx context.Context, req CreditRequest) (models.Solve, bool, error) {
	username, err := b.rdb.HGet(ctx, b.userKey(req.UserID), "username").Result()
	if errors.Is(err, redis.Nil) {
		return models.Solve{}, false, ErrUserNotFound
	}
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("find user: %w", err)
	}

	// Both candidates are built up front; the script decides which applies.
	base := models.Solve{
		ID:          req.SolveID,
		UserID:      req.UserID,
		Username:    username,
		ChallengeID: req.ChallengeID,
		SolvedAt:    req.SolvedAt,
	}
	first, other := base, base
	first.FirstSolve = true
	first.Award = req.Award(true)
	other.Award = req.Award(false)

	firstRec, err := json.Marshal(first)
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("encode solve: %w", err)
	}
	otherRec, err := json.Marshal(other)
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("encode solve: %w", err)
	}

	keys := []string{
		b.userKey(req.UserID),
		b.solvesKey(req.ChallengeID),
		b.firstKey(req.ChallengeID),
		b.logKey(),
	}
	res, err := creditScript.Run(ctx, b.rdb, keys,
		req.UserID, first.Award, firstRec, other.Award, otherRec, req.SolvedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("credit script: %w", err)
	}

	switch res {
	case -1:
		return models.Solve{}, false, ErrUserNotFound
	case 0:
		b.l.Debug("solve exists", zap.Int64("user_id", req.UserID), zap.String("challenge", req.ChallengeID))
		return models.Solve{}, false, nil
	case 1:
		return other, true, nil
	case 2:
		return first, true, nil
	default:
		return models.Solve{}, false, fmt.Errorf("credit script: unexpected result %d", res)
	}
}

func (b *RedisBackend) FindUser(ctx context.Context, userID int64) (*models.User, error) {
	fields, err := b.rdb.HGetAll(ctx, b.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrUserNotFound
	}
	points, err := strconv.ParseInt(fields["points"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("find user: bad points value %q: %w", fields["points"], err)
	}
	return &models.User{ID: userID, Username: fields["username"], Points: points}, nil
}

func (b *RedisBackend) EnsureUser(ctx context.Context, u models.User) error {
	points := u.Points
	if points < 0 {
		points = 0
	}
	key := b.userKey(u.ID)
	// HSETNX per field keeps an existing account untouched.
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "username", u.Username)
		pipe.HSetNX(ctx, key, "points", points)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (b *RedisBackend) Solves(ctx context.Context, f SolveFilter) ([]models.Solve, error) {
	var raw []string
	var err error
	if f.ChallengeID != "" {
		raw, err = b.rdb.HVals(ctx, b.solvesKey(f.ChallengeID)).Result()
	} else {
		raw, err = b.rdb.ZRevRange(ctx, b.logKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("query solves: %w", err)
	}

	solves := make([]models.Solve, 0, len(raw))
	for _, r := range raw {
		var s models.Solve
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			return nil, fmt.Errorf("decode solve: %w", err)
		}
		if f.UserID != 0 && s.UserID != f.UserID {
			continue
		}
		solves = append(solves, s)
	}

	sort.SliceStable(solves, func(i, j int) bool {
		return solves[i].SolvedAt.After(solves[j].SolvedAt)
	})
	if f.Limit > 0 && len(solves) > f.Limit {
		solves = solves[:f.Limit]
	}
	return solves, nil
}
