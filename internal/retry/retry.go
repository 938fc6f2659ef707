package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the single retry/backoff policy shared by the HTTP clients, the
// snapshot store, and the stream transport's reconnect schedule. Keeping it
// in one place means every transient-failure path in the process backs off
// the same way.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // randomization factor, 0 disables jitter
}

// DefaultPolicy matches the reconnect schedule required of the stream
// transport: 1s base doubling to a 10s ceiling, ten attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// backOff builds a fresh backoff state for one operation.
func (p Policy) backOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = p.BaseDelay
	ebo.MaxInterval = p.MaxDelay
	ebo.Multiplier = 2
	ebo.RandomizationFactor = p.Jitter
	ebo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	ebo.Reset()
	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(ebo, p.MaxAttempts)
	}
	return ebo
}

// Do runs op with this policy, honoring ctx cancellation between attempts.
// Wrap an error with Permanent to stop retrying early.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(p.backOff(), ctx))
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Delay returns the deterministic (jitter-free) delay before reconnect
// attempt n, following min(base * 2^n, max). Used by the stream transport,
// which schedules its own timer rather than blocking in Do.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt exceeds the policy's attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && uint64(attempt) >= p.MaxAttempts
}
