package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how a gateway or price-source call is retried.
type Policy struct {
	// Attempts is the total number of tries, the first one included.
	Attempts int
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps a single delay.
	Max time.Duration
	// Factor grows the delay after every attempt.
	Factor float64
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// Retryable decides which errors are retried. IsTransient when nil.
	Retryable func(err error) bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is used for chain gateway reads.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 4,
		Initial:  250 * time.Millisecond,
		Max:      10 * time.Second,
		Factor:   2.0,
		Jitter:   0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 250 * time.Millisecond
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Delay returns the wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Budget is the longest RetryVal can take when every attempt runs for
// perAttempt and every delay lands at its jittered maximum.
func (p Policy) Budget(perAttempt time.Duration) time.Duration {
	p = p.normalized()
	total := time.Duration(p.Attempts) * perAttempt
	for attempt := 0; attempt < p.Attempts-1; attempt++ {
		d := min(float64(p.Initial)*math.Pow(p.Factor, float64(attempt)), float64(p.Max))
		total += time.Duration(d * (1 + p.Jitter))
	}
	return total
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := RetryVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryVal is Retry for calls that return a value.
func RetryVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !p.Retryable(err) || attempt == p.Attempts-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// LogRetry returns an OnRetry hook that logs through the global logger.
func LogRetry(component, op string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying call",
			zap.String("component", component),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
