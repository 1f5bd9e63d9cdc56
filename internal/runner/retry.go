package runner

import (
	"context"
	"time"
)

// RetryPolicy governs how often VU setup is attempted before a VU gives up.
type RetryPolicy struct {
	// MaxAttempts counts the first try; values below 1 mean a single try.
	MaxAttempts int
	// Delay is the pause between attempts when DelayFunc is nil.
	Delay time.Duration
	// ShouldRetry reports whether a failed attempt may be repeated. Nil
	// retries every error.
	ShouldRetry func(error) bool
	// DelayFunc computes the pause after the given 1-based attempt.
	DelayFunc func(attempt int, err error) time.Duration
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

func (p RetryPolicy) retryable(err error) bool {
	return p.ShouldRetry == nil || p.ShouldRetry(err)
}

func (p RetryPolicy) pause(attempt int, err error) time.Duration {
	if p.DelayFunc != nil {
		return p.DelayFunc(attempt, err)
	}
	return p.Delay
}

// retry calls fn until it returns nil, the policy gives up, or ctx ends. The
// last error from fn is returned, or the context error on cancellation.
func retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= policy.attempts() || !policy.retryable(err) {
			return err
		}
		if err := sleep(ctx, policy.pause(attempt, err)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
