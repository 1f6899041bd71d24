package media

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval between successive provider calls
const DefaultMinInterval = time.Second

// Throttle spaces provider calls at least MinInterval apart. One Throttle is
// shared by every scene of an allocation so pauses carry across scenes.
type Throttle struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewThrottle creates a throttle. A non-positive interval disables it.
func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(minInterval), 1), interval: minInterval}
}

// Interval returns the minimum spacing between calls; zero when disabled.
func (t *Throttle) Interval() time.Duration {
	if t == nil {
		return 0
	}
	return t.interval
}

// Wait blocks until the next provider call may start.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
