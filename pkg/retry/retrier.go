// Package retry implements the engine's retrier: a policy object that
// wraps a dispatch or sink attempt with a bounded or unbounded number of
// retries, linear or exponential backoff, and a "bail" escape hatch that a
// handler body can call to stop retrying early.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
)

// Mode selects how a retrier reacts once its attempt budget is spent.
type Mode string

const (
	LogAndFail            Mode = "LogAndFail"
	LogAndContinue        Mode = "LogAndContinue"
	LogAndRetry           Mode = "LogAndRetry"
	LogAndRetryOrFail     Mode = "LogAndRetryOrFail"
	LogAndRetryOrContinue Mode = "LogAndRetryOrContinue"
)

// BackoffMode selects the interval growth curve between attempts.
type BackoffMode string

const (
	Linear      BackoffMode = "Linear"
	Exponential BackoffMode = "Exponential"
)

// Config parameterizes a Retrier.
type Config struct {
	Mode               Mode
	Retries            int
	RetryMode          BackoffMode
	RetryIntervalMs    int
	MaxRetryIntervalMs int
	ExponentBase       float64
	Randomize          bool
}

// Executor is the body passed to Run. It receives the retrier context for
// the current attempt.
type Executor func(ctx context.Context, rc *Context) error

// Context carries per-attempt retry state into the executor body.
type Context struct {
	currentAttempt         int // 1-based
	maxAttempts            int // 0 means unbounded (LogAndRetry)
	hasBailed              bool
	bailErr                error
	nextIntervalMsOverride *int
}

// CurrentAttempt returns the 1-based attempt number in progress.
func (c *Context) CurrentAttempt() int { return c.currentAttempt }

// MaxAttempts returns the configured attempt budget, or 0 if unbounded.
func (c *Context) MaxAttempts() int { return c.maxAttempts }

// HasBailed reports whether Bail has been called on this context.
func (c *Context) HasBailed() bool { return c.hasBailed }

// Bail stops further retries after the current attempt, regardless of
// remaining budget.
func (c *Context) Bail(err error) {
	c.hasBailed = true
	c.bailErr = err
}

// IsFinalAttempt reports whether no further attempt will be made even if
// this one fails (exhausted budget, or a bounded mode at its last try).
func (c *Context) IsFinalAttempt() bool {
	if c.hasBailed {
		return true
	}
	if c.maxAttempts == 0 {
		return false
	}
	return c.currentAttempt >= c.maxAttempts
}

// SetNextRetryInterval overrides the wait before the next attempt, for this
// transition only.
func (c *Context) SetNextRetryInterval(ms int) {
	v := ms
	c.nextIntervalMsOverride = &v
}

// Retrier runs an Executor under a Config's mode and backoff policy.
type Retrier struct {
	cfg Config
}

// New builds a Retrier, normalizing the backoff parameters: Linear forces
// exponentBase=1; Exponential with exponentBase<=1 is rewritten to 2.
func New(cfg Config) *Retrier {
	if cfg.RetryMode == Linear {
		cfg.ExponentBase = 1
	} else if cfg.ExponentBase <= 1 {
		cfg.ExponentBase = 2
	}
	switch cfg.Mode {
	case LogAndFail, LogAndContinue:
		cfg.Retries = 0
	case LogAndRetry:
		// unbounded
	}
	return &Retrier{cfg: cfg}
}

// Run executes fn, retrying per the configured mode until it succeeds, the
// body bails, or the attempt budget is exhausted.
func (r *Retrier) Run(ctx context.Context, fn Executor) error {
	maxAttempts := 0
	switch r.cfg.Mode {
	case LogAndFail, LogAndContinue:
		maxAttempts = 1
	case LogAndRetryOrFail, LogAndRetryOrContinue:
		maxAttempts = r.cfg.Retries + 1
	case LogAndRetry:
		maxAttempts = 0 // unbounded
	default:
		maxAttempts = 1
	}

	rc := &Context{maxAttempts: maxAttempts}

	var lastErr error
	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		rc.currentAttempt = attempt
		rc.nextIntervalMsOverride = nil

		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx, rc)
		if err == nil && !rc.hasBailed {
			return nil
		}

		if rc.hasBailed {
			if rc.bailErr != nil {
				err = rc.bailErr
			}
			return r.finishBailed(err)
		}

		lastErr = err

		if rc.IsFinalAttempt() {
			break
		}

		wait := r.interval(attempt, rc)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return r.finishExhausted(lastErr)
}

// finishBailed returns the bail error as-is (for *Fail modes) or swallows
// it (for *Continue modes), preserving the original error's type/code so
// callers can still detect e.g. a SequenceConflictError after a bail.
func (r *Retrier) finishBailed(err error) error {
	switch r.cfg.Mode {
	case LogAndContinue, LogAndRetryOrContinue:
		return nil
	default:
		return err
	}
}

// finishExhausted wraps a genuinely exhausted attempt budget as
// CodeRetriesExhausted, or swallows it for *Continue modes.
func (r *Retrier) finishExhausted(err error) error {
	if err == nil {
		return nil
	}
	switch r.cfg.Mode {
	case LogAndContinue, LogAndRetryOrContinue:
		return nil
	default:
		return coreerr.New(coreerr.CodeRetriesExhausted, "retries exhausted", err)
	}
}

// BailOn wraps fn so that any error satisfying shouldBail causes the
// retrier to bail immediately instead of consuming further attempts. Used
// by the sink retrier to surface SequenceConflictError to the output loop
// for reprocessing rather than retrying it in place.
func BailOn(shouldBail func(error) bool, fn Executor) Executor {
	return func(ctx context.Context, rc *Context) error {
		err := fn(ctx, rc)
		if err != nil && shouldBail(err) {
			rc.Bail(err)
		}
		return err
	}
}

// interval computes the wait before attempt+1:
// min(random * retryIntervalMs * exponentBase^(attempt-1), maxRetryIntervalMs).
func (r *Retrier) interval(attempt int, rc *Context) time.Duration {
	if rc.nextIntervalMsOverride != nil {
		return time.Duration(*rc.nextIntervalMsOverride) * time.Millisecond
	}

	base := float64(r.cfg.RetryIntervalMs)
	exp := r.cfg.ExponentBase
	if exp == 0 {
		exp = 1
	}
	randomFactor := 1.0
	if r.cfg.Randomize {
		randomFactor = 1 + rand.Float64()
	}

	ms := randomFactor * base * math.Pow(exp, float64(attempt-1))
	if r.cfg.MaxRetryIntervalMs > 0 && ms > float64(r.cfg.MaxRetryIntervalMs) {
		ms = float64(r.cfg.MaxRetryIntervalMs)
	}
	return time.Duration(ms) * time.Millisecond
}
