// Package verify checks submitted flags against stored SHA3-512 digests.
package verify

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"unicode"

	"ctf-scoring/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// Normalize strips every whitespace rune and lower-cases s, which is the form
// both stored and computed digests are compared in.
func Normalize(s string) models.SecretHash {
	return models.SecretHash(strings.ToLower(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)))
}

// Digest returns the normalized hex SHA3-512 digest of a raw flag.
func Digest(flag string) models.SecretHash {
	sum := sha3.Sum512([]byte(flag))
	return Normalize(hex.EncodeToString(sum[:]))
}

type Verifier struct {
	l *zap.Logger
}

func New(l *zap.Logger) *Verifier {
	if l == nil {
		l = zap.NewNop()
	}
	return &Verifier{l: l}
}

// Verify reports whether submitted hashes to stored. The comparison runs in
// time independent of the digest contents. The submitted value is never logged.
func (v *Verifier) Verify(stored models.SecretHash, submitted string) bool {
	want := Normalize(string(stored))
	if want == "" {
		v.l.Debug("flag verification", zap.Bool("verified", false), zap.String("reason", "empty stored hash"))
		return false
	}

	got := Digest(submitted)
	ok := subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1

	v.l.Debug("flag verification", zap.Bool("verified", ok))
	return ok
}
