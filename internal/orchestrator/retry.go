package orchestrator

import (
	"context"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay is the wait before the given retry, counting from 1.
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, returns an error that is not retryable,
// or MaxAttempts calls have been made. Failures are returned classified.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		classified := Classify(err)
		if !classified.Retryable || attempt >= policy.MaxAttempts {
			return zero, classified
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, Classify(ctx.Err())
		case <-timer.C:
		}
	}
}
