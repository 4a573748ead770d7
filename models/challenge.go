// models/challenge.go
package models

// ChallengePath is a challenge directory that has already been checked to live
// directly beneath the challenge root. Name is the canonical challenge id.
type ChallengePath struct {
	Name string `json:"name"`
	Dir  string `json:"-"`
}

// SecretHash is a normalized (no whitespace, lower-case) hex digest.
type SecretHash string

type Challenge struct {
	ID         string        `json:"id"`
	Path       ChallengePath `json:"-"`
	BaseScore  int64         `json:"base_score"`
	SecretHash SecretHash    `json:"-"`
}
