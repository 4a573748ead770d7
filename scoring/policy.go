// Package scoring derives challenge scores from challenge ids.
package scoring

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// DefaultBonusPercent gives the first solver floor(base * 1.1).
const DefaultBonusPercent = 10

type Policy struct {
	bonusPercent int64
}

func New(bonusPercent int64) *Policy {
	if bonusPercent < 0 {
		bonusPercent = 0
	}
	return &Policy{bonusPercent: bonusPercent}
}

// BaseScore reads the numeric second field of a "category-score-name" id.
// Anything unparsable scores 0; scoring never blocks crediting.
func (p *Policy) BaseScore(challengeID string) int64 {
	fields := strings.Split(challengeID, "-")
	if len(fields) < 2 {
		return 0
	}
	return leadingInt(fields[1])
}

// AwardFor returns the amount credited for a solve of challengeID.
func (p *Policy) AwardFor(challengeID string, isFirstSolve bool) int64 {
	base := p.BaseScore(challengeID)
	if !isFirstSolve || p.bonusPercent == 0 {
		return base
	}

	factor := 100 + p.bonusPercent
	if base > math.MaxInt64/factor {
		return base
	}
	return base * factor / 100
}

// Bind fixes the challenge id so the ledger only has to supply the
// first-solve decision.
func (p *Policy) Bind(challengeID string) func(isFirstSolve bool) int64 {
	return func(isFirstSolve bool) int64 {
		return p.AwardFor(challengeID, isFirstSolve)
	}
}

// leadingInt parses the leading run of decimal digits in s, after optional
// whitespace and a '+' sign.
func leadingInt(s string) int64 {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	s = strings.TrimPrefix(s, "+")

	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}

	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
