package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls how often and how soon failed work is attempted
// again. It holds no clock state, so Backoff can be tested without sleeping.
type RetryPolicy struct {
	// Attempt budget per work item, first try included. Zero means 3.
	MaxAttempts int

	// Delay before the first retry (500ms) and the ceiling it grows to (30s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Growth factor between consecutive delays. Zero means 2.
	Multiplier float64

	// Spread applied to every delay, as a fraction of it: 0.25 moves a 1s
	// delay anywhere in [750ms, 1250ms].
	JitterFraction float64

	// Rand returns a value in [0,1) used for jitter. Nil uses math/rand/v2.
	Rand func() float64

	// ShouldRetry replaces IsTransient as the retryable check.
	ShouldRetry func(err error) bool

	// OnRetry runs before DoVal sleeps.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns the policy used for extraction stream calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Retryable reports whether err should be retried at all, ignoring the
// attempt budget.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return IsTransient(err)
}

// Exhausted reports whether an item that has made attempts tries has used
// its whole budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	p = p.withDefaults()
	return attempts >= p.MaxAttempts
}

// Backoff returns the delay before the retry that follows the given
// attempt (1-based). Attempt 1 waits InitialBackoff, attempt 2 waits
// InitialBackoff*Multiplier, and so on up to MaxBackoff, then jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.JitterFraction > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		delay *= 1 + (2*r()-1)*p.JitterFraction
	}
	return time.Duration(math.Max(delay, 0))
}

// Do is DoVal for functions without a result.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal calls fn until it succeeds, returns an error p does not retry, or
// the budget runs out. A cancelled ctx ends the wait between attempts and
// the last error is returned.
func DoVal[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		var zero T
		if ctx.Err() != nil || !p.Retryable(err) || p.Exhausted(attempt) {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if !sleep(ctx, p.Backoff(attempt)) {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(component, operation string) func(int, error) {
	log := zap.L().With(zap.String("component", component), zap.String("operation", operation))
	return func(attempt int, err error) {
		log.Warn("resilience: retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
}
