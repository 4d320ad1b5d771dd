// Package retry implements the exponential-backoff retry envelope wrapped
// around every model call: bounded attempts, per-attempt timeout, jittered
// backoff, terminal-error classification, and an optional fallback value.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"marksman/internal/types"
)

// Policy configures the envelope.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
	TimeoutPerAttempt  time.Duration

	// NonRetryable lists error kinds that stop the envelope immediately.
	// Kinds whose Terminal() is true always stop, listed or not.
	NonRetryable []types.ErrorKind
}

// DefaultPolicy matches the gateway defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    4,
		TimeoutPerAttempt:  120 * time.Second,
		NonRetryable:       []types.ErrorKind{types.KindValidation, types.KindSchema},
	}
}

func (p Policy) attempts() int {
	if p.MaximumAttempts < 1 {
		return 1
	}
	return p.MaximumAttempts
}

// Backoff returns the wait before the given attempt (1-based) retries:
// min(maximum_interval, initial * coeff^(attempt-1)), before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	d := time.Duration(float64(p.InitialInterval) * math.Pow(coeff, float64(attempt-1)))
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		d = p.MaximumInterval
	}
	return d
}

func (p Policy) retryable(kind types.ErrorKind) bool {
	if kind.Terminal() {
		return false
	}
	for _, k := range p.NonRetryable {
		if k == kind {
			return false
		}
	}
	return true
}

// jitter spreads a wait by up to +-25% so synchronised retries de-correlate.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}

// Observer is notified before each attempt runs; the gateway maps these to
// retry_attempt events. Attempt is 1-based; err is the previous attempt's
// failure (nil on the first).
type Observer func(attempt int, err error)

// Do runs op under the policy. Each attempt gets its own timeout-scoped
// context. Returns nil on the first success, the last error once attempts
// are exhausted or a terminal kind appears, and the context error if the
// caller's context ends while waiting.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, obs Observer) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return types.WrapErr(types.KindCancellation, "retry envelope interrupted", err)
		}
		if obs != nil {
			obs(attempt, lastErr)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.TimeoutPerAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.TimeoutPerAttempt)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		kind := types.KindOf(err)
		if !p.retryable(kind) {
			return err
		}
		if attempt == p.attempts() {
			break
		}

		select {
		case <-time.After(jitter(p.Backoff(attempt))):
		case <-ctx.Done():
			return types.WrapErr(types.KindCancellation, "retry envelope interrupted", ctx.Err())
		}
	}
	return lastErr
}

// DoValue runs op under the policy and returns its value. On final failure
// the fallback (when non-nil) supplies the result instead of the error.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), fallback func(err error) (T, error), obs Observer) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, obs)
	if err == nil {
		return out, nil
	}
	if fallback != nil {
		return fallback(err)
	}
	var zero T
	return zero, err
}
