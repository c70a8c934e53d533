package connection

import (
	"context"
	"math"
	"time"
)

// Backoff computes retry delays: Base*Factor^(attempt-1), capped at Max.
// The first attempt is immediate.
type Backoff struct {
	Base     time.Duration
	Factor   float64
	Max      time.Duration
	Attempts int
}

// DefaultBackoff matches the connect retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:     time.Second,
		Factor:   2,
		Max:      30 * time.Second,
		Attempts: 3,
	}
}

// Delay returns the wait before the given 1-based attempt. Attempt 1 has
// no delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(b.Factor, float64(attempt-2)))
	if d > b.Max || d < 0 {
		return b.Max
	}
	return d
}

// Retry runs fn up to b.Attempts times with backoff between attempts.
// Returns the last error if every attempt fails.
func (b Backoff) Retry(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if delay := b.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return lastErr
}
