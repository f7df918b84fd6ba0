package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/unclebandit/crm-messaging/internal/clock"
)

// Limiter paces sends with a token bucket of burst 1, so consecutive Wait calls
// are spaced by at least 1/perSecond on the injected clock.
type Limiter struct {
	bucket *rate.Limiter
	clock  clock.Clock
}

func New(perSecond float64, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.RealClock{}
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Limiter{bucket: rate.NewLimiter(limit, 1), clock: c}
}

// Wait blocks until the next send may go out.
func (l *Limiter) Wait(ctx context.Context) error {
	now := l.clock.Now()
	r := l.bucket.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("rate limiter reservation refused")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// Interval is the minimum spacing between sends.
func (l *Limiter) Interval() time.Duration {
	lim := l.bucket.Limit()
	if lim == rate.Inf || lim <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(lim))
}
