package submission

// Kind tags the result of one submission.
type Kind int

const (
	Accepted Kind = iota
	AlreadyCredited
	WrongSecret
	UnknownChallenge
	InvalidRequest
	InternalFailure
)

var kindNames = [...]string{
	Accepted:         "accepted",
	AlreadyCredited:  "already_credited",
	WrongSecret:      "wrong_secret",
	UnknownChallenge: "unknown_challenge",
	InvalidRequest:   "invalid_request",
	InternalFailure:  "internal_failure",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Outcome is what a caller learns about a submission. Award is set only for
// Accepted.
type Outcome struct {
	Kind  Kind
	Award int64
	// FirstSolve reports whether the accepted solve earned the bonus.
	FirstSolve bool
}

// Credited reports whether the submission changed the user's score.
func (o Outcome) Credited() bool {
	return o.Kind == Accepted
}
