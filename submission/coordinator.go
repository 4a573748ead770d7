// Package submission turns one flag submission into exactly one Outcome.
package submission

import (
	"context"
	"errors"
	"strings"

	"ctf-scoring/challenge"
	"ctf-scoring/ledger"
	"ctf-scoring/models"
	"ctf-scoring/scoring"
	"ctf-scoring/verify"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MaxFlagLength bounds the submitted value before it is hashed.
const MaxFlagLength = 4096

type Request struct {
	UserID      int64
	ChallengeID string
	Flag        string
}

// SecretSource resolves a challenge id and loads its stored digest.
type SecretSource interface {
	Secret(ctx context.Context, id string) (models.Challenge, error)
}

// Crediter records solves exactly once.
type Crediter interface {
	TryCredit(ctx context.Context, userID int64, challengeID string, award ledger.AwardFunc) (ledger.Result, error)
}

// Notifier receives every accepted solve. Implementations must not block.
type Notifier interface {
	SolveAccepted(ctx context.Context, solve models.Solve)
}

type Coordinator struct {
	secrets  SecretSource
	verifier *verify.Verifier
	policy   *scoring.Policy
	credits  Crediter
	notifier Notifier
	l        *zap.Logger

	submissions metric.Int64Counter
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithMeter records submission counters on m instead of the global meter.
func WithMeter(m metric.Meter) Option {
	return func(c *Coordinator) { c.submissions = newCounter(m) }
}

func New(secrets SecretSource, verifier *verify.Verifier, policy *scoring.Policy, credits Crediter, l *zap.Logger, opts ...Option) *Coordinator {
	if l == nil {
		l = zap.NewNop()
	}
	c := &Coordinator{
		secrets:  secrets,
		verifier: verifier,
		policy:   policy,
		credits:  credits,
		l:        l.Named("submission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.submissions == nil {
		c.submissions = newCounter(otel.Meter("ctf-scoring/submission"))
	}
	return c
}

func newCounter(m metric.Meter) metric.Int64Counter {
	counter, err := m.Int64Counter("ctf.submissions",
		metric.WithDescription("Flag submissions by outcome"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return counter
}

// Submit runs one submission through resolve, verify and credit.
func (c *Coordinator) Submit(ctx context.Context, req Request) Outcome {
	out := c.submit(ctx, req)
	c.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", out.Kind.String())))
	return out
}

func (c *Coordinator) submit(ctx context.Context, req Request) Outcome {
	log := c.l.With(zap.Int64("user_id", req.UserID), zap.String("challenge", req.ChallengeID))

	if req.UserID <= 0 || strings.TrimSpace(req.ChallengeID) == "" || req.Flag == "" || len(req.Flag) > MaxFlagLength {
		log.Debug("invalid submission")
		return Outcome{Kind: InvalidRequest}
	}

	ch, err := c.secrets.Secret(ctx, req.ChallengeID)
	switch {
	case err == nil:
	case errors.Is(err, challenge.ErrInvalidIdentifier), errors.Is(err, challenge.ErrNotFound):
		log.Debug("unknown challenge", zap.Error(err))
		return Outcome{Kind: UnknownChallenge}
	default:
		log.Error("failed to load challenge secret", zap.Error(err))
		return Outcome{Kind: InternalFailure}
	}

	if !c.verifier.Verify(ch.SecretHash, req.Flag) {
		log.Info("wrong flag")
		return Outcome{Kind: WrongSecret}
	}

	res, err := c.credits.TryCredit(ctx, req.UserID, ch.ID, c.policy.Bind(ch.ID))
	if errors.Is(err, ledger.ErrUserNotFound) {
		log.Warn("submission for unknown account")
		return Outcome{Kind: InvalidRequest}
	}
	if err != nil {
		log.Error("failed to credit solve", zap.Error(err))
		return Outcome{Kind: InternalFailure}
	}
	if !res.Credited {
		log.Info("already credited")
		return Outcome{Kind: AlreadyCredited}
	}

	log.Info("solve accepted", zap.Int64("award", res.Solve.Award), zap.Bool("first_solve", res.Solve.FirstSolve))
	if c.notifier != nil {
		c.notifier.SolveAccepted(ctx, res.Solve)
	}
	return Outcome{Kind: Accepted, Award: res.Solve.Award, FirstSolve: res.Solve.FirstSolve}
}
