package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ctf-scoring/models"

	"go.uber.org/zap"
)

type placeholder int

const (
	question placeholder = iota // sqlite: ?
	dollar                      // postgres: $1
)

// SQLBackend keeps solves and scores in the same database, so the solve row
// and the score increment commit or roll back together.
type SQLBackend struct {
	db    *sql.DB
	style placeholder
	l     *zap.Logger
}

// NewSQLBackend wraps db. driver is "postgres" or "sqlite"; the schema must
// already exist (see database.InitDB).
func NewSQLBackend(db *sql.DB, driver string, l *zap.Logger) (*SQLBackend, error) {
	if l == nil {
		l = zap.NewNop()
	}
	b := &SQLBackend{db: db, l: l.Named("ledger.sql")}
	switch driver {
	case "postgres":
		b.style = dollar
	case "sqlite":
		b.style = question
	default:
		return nil, fmt.Errorf("unsupported ledger sql driver %q", driver)
	}
	return b, nil
}

// rebind rewrites ? placeholders for the backend's driver.
func (b *SQLBackend) rebind(q string) string {
	if b.style == question {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) Credit(ctx context.Context, req CreditRequest) (models.Solve, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var username string
	err = tx.QueryRowContext(ctx, b.rebind(`SELECT username FROM users WHERE id = ?`), req.UserID).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Solve{}, false, ErrUserNotFound
	}
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("find user: %w", err)
	}

	// The unique (user_id, challenge_id) constraint is the exactly-once gate.
	// A concurrent insert of the same pair waits for ours to commit and then
	// does nothing.
	res, err := tx.ExecContext(ctx, b.rebind(`
		INSERT INTO solves (id, user_id, challenge_id, award, first_solve, solved_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id, challenge_id) DO NOTHING
	`), req.SolveID, req.UserID, req.ChallengeID, false, req.SolvedAt)
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("insert solve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("insert solve: %w", err)
	}
	if n == 0 {
		b.l.Debug("solve exists", zap.Int64("user_id", req.UserID), zap.String("challenge", req.ChallengeID))
		return models.Solve{}, false, nil
	}

	// Same gate, one row per challenge: only the first committed solve wins it.
	res, err = tx.ExecContext(ctx, b.rebind(`
		INSERT INTO first_solves (challenge_id, user_id, solved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (challenge_id) DO NOTHING
	`), req.ChallengeID, req.UserID, req.SolvedAt)
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("insert first solve: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return models.Solve{}, false, fmt.Errorf("insert first solve: %w", err)
	}
	first := n == 1
	award := req.Award(first)

	if _, err := tx.ExecContext(ctx, b.rebind(`
		UPDATE solves SET award = ?, first_solve = ?
		WHERE user_id = ? AND challenge_id = ?
	`), award, first, req.UserID, req.ChallengeID); err != nil {
		return models.Solve{}, false, fmt.Errorf("update solve award: %w", err)
	}

	res, err = tx.ExecContext(ctx, b.rebind(`UPDATE users SET points = points + ? WHERE id = ?`), award, req.UserID)
	if err != nil {
		return models.Solve{}, false, fmt.Errorf("increment points: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return models.Solve{}, false, fmt.Errorf("increment points: %w", err)
	}
	if n != 1 {
		return models.Solve{}, false, ErrUserNotFound
	}

	if err := tx.Commit(); err != nil {
		return models.Solve{}, false, fmt.Errorf("commit credit: %w", err)
	}

	return models.Solve{
		ID:          req.SolveID,
		UserID:      req.UserID,
		Username:    username,
		ChallengeID: req.ChallengeID,
		Award:       award,
		FirstSolve:  first,
		SolvedAt:    req.SolvedAt,
	}, true, nil
}

func (b *SQLBackend) FindUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT id, username, points FROM users WHERE id = ?`), userID).
		Scan(&u.ID, &u.Username, &u.Points)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

func (b *SQLBackend) EnsureUser(ctx context.Context, u models.User) error {
	points := u.Points
	if points < 0 {
		points = 0
	}
	_, err := b.db.ExecContext(ctx, b.rebind(`
		INSERT INTO users (id, username, points)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), u.ID, u.Username, points)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (b *SQLBackend) Solves(ctx context.Context, f SolveFilter) ([]models.Solve, error) {
	query := `
		SELECT s.id, s.user_id, COALESCE(u.username, ''), s.challenge_id, s.award, s.first_solve, s.solved_at
		FROM solves s
		LEFT JOIN users u ON u.id = s.user_id
		WHERE 1 = 1
	`
	var args []interface{}

	if f.UserID != 0 {
		query += ` AND s.user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ChallengeID != "" {
		query += ` AND s.challenge_id = ?`
		args = append(args, f.ChallengeID)
	}

	query += ` ORDER BY s.solved_at DESC, s.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query solves: %w", err)
	}
	defer rows.Close()

	var solves []models.Solve
	for rows.Next() {
		var s models.Solve
		if err := rows.Scan(&s.ID, &s.UserID, &s.Username, &s.ChallengeID, &s.Award, &s.FirstSolve, &s.SolvedAt); err != nil {
			return nil, fmt.Errorf("scan solve: %w", err)
		}
		solves = append(solves, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate solves: %w", err)
	}
	return solves, nil
}
