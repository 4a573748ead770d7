// handlers/scores.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"ctf-scoring/ledger"
	"ctf-scoring/middleware"
	"ctf-scoring/models"

	"go.uber.org/zap"
)

// Scoreboard is the read side of the ledger.
type Scoreboard interface {
	FindUser(ctx context.Context, userID int64) (*models.User, error)
	Solves(ctx context.Context, f ledger.SolveFilter) ([]models.Solve, error)
}

// GetUser returns the caller's account.
func GetUser(board Scoreboard, l *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Login required.")
			return
		}

		user, err := board.FindUser(r.Context(), userID)
		if errors.Is(err, ledger.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "NotFound", "User is not found.")
			return
		}
		if err != nil {
			l.Error("failed to load user", zap.Int64("user_id", userID), zap.Error(err))
			internalError(w)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"user":   user,
		})
	}
}

// GetScores lists solves, newest first. Optional query parameters: user (id),
// question and limit.
func GetScores(board Scoreboard, l *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := ledger.SolveFilter{ChallengeID: q.Get("question")}

		if v := q.Get("user"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				badRequest(w, "Invalid user.")
				return
			}
			filter.UserID = id
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				badRequest(w, "Invalid limit.")
				return
			}
			filter.Limit = n
		}

		solves, err := board.Solves(r.Context(), filter)
		if err != nil {
			l.Error("failed to list solves", zap.Error(err))
			internalError(w)
			return
		}
		if solves == nil {
			solves = []models.Solve{}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"scores": solves,
		})
	}
}
