// models/solve.go
package models

import "time"

// Solve is the ledger's unit of record. There is at most one per
// (UserID, ChallengeID) and it never changes once committed.
type Solve struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	ChallengeID string    `json:"question"`
	Award       int64     `json:"score"`
	FirstSolve  bool      `json:"first_solve"`
	SolvedAt    time.Time `json:"submitted"`
}
