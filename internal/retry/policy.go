package retry

import (
	"context"
	"math/rand"
	"time"
)

// Default policy values
const (
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultJitterFraction  = 0.1
	DefaultVisibilityBase  = 200 * time.Millisecond
	DefaultVisibilityMax   = 2 * time.Second
	DefaultVisibilityReads = 5
)

// Policy decides whether and when a failed attempt is retried.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	// Bounded re-reads for precondition-missing and context-not-visible.
	VisibilityBase  time.Duration
	VisibilityMax   time.Duration
	VisibilityReads int

	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

// Decision is the outcome of Policy.Decide
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		BaseDelay:       DefaultBaseDelay,
		MaxDelay:        DefaultMaxDelay,
		JitterFraction:  DefaultJitterFraction,
		VisibilityBase:  DefaultVisibilityBase,
		VisibilityMax:   DefaultVisibilityMax,
		VisibilityReads: DefaultVisibilityReads,
	}
}

// AttemptsFor returns the total number of attempts allowed for a kind.
func (p Policy) AttemptsFor(kind Kind) int {
	switch kind {
	case KindValidation, KindInternal:
		return 1
	case KindTimeout:
		return minInt(2, p.maxAttempts())
	case KindPreconditionMissing, KindContextNotVisible:
		if p.VisibilityReads <= 0 {
			return 1
		}
		return p.VisibilityReads
	default:
		return p.maxAttempts()
	}
}

// Decide reports whether attempt (1-based) failing with kind should be
// followed by another attempt, and how long to wait first.
func (p Policy) Decide(kind Kind, attempt int) Decision {
	if attempt >= p.AttemptsFor(kind) {
		return Decision{}
	}
	switch kind {
	case KindPreconditionMissing, KindContextNotVisible:
		return Decision{Retry: true, Delay: p.VisibilityBackoff(attempt)}
	default:
		return Decision{Retry: true, Delay: p.Backoff(attempt)}
	}
}

// Backoff returns the delay after attempt a: base*2^(a-1) plus up to
// JitterFraction of jitter, never above MaxDelay. Once the exponential term
// reaches MaxDelay no jitter is added, so delays never decrease.
func (p Policy) Backoff(attempt int) time.Duration {
	d := exponential(p.BaseDelay, p.MaxDelay, attempt)
	if p.MaxDelay > 0 && d >= p.MaxDelay {
		return p.MaxDelay
	}
	if p.JitterFraction > 0 {
		d += time.Duration(float64(d) * p.JitterFraction * p.jitter())
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// VisibilityBackoff returns the delay before re-reading a context.
func (p Policy) VisibilityBackoff(read int) time.Duration {
	return exponential(p.VisibilityBase, p.VisibilityMax, read)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) jitter() float64 {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return rand.Float64()
}

// attempt 1 -> base, attempt 2 -> base*2, attempt 3 -> base*4, ...
func exponential(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepWithContext blocks for the given duration, returning early if the
// context is cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
