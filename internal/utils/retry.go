package utils

import (
	"context"
	"time"
)

// RetryPolicy is shared by every network boundary: manifest fetches and
// segment fetches.
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Delay:    time.Second,
		Timeout:  30 * time.Second,
	}
}

// Do runs op up to Attempts times with a fixed Delay between attempts. Each
// attempt gets its own context bounded by Timeout. onRetry is called after
// every failed attempt that will be retried. The last error is returned once
// attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error)) error {
	attempts := max(p.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = p.attempt(ctx, attempt, op)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

func (p RetryPolicy) attempt(ctx context.Context, attempt int, op func(ctx context.Context, attempt int) error) error {
	if p.Timeout <= 0 {
		return op(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return op(attemptCtx, attempt)
}
