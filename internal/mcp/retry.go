package mcp

import (
	"context"
	"time"
)

// Retry policy defaults.
const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 300 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// RetryPolicy controls how failed requests are re-attempted. The delay
// before attempt n is min(BaseDelay·2ⁿ, MaxDelay). HTTP 4xx failures are
// never retried regardless of ShouldRetry.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay is the ceiling for backoff growth.
	MaxDelay time.Duration

	// ShouldRetry decides whether to retry after the given failure on the
	// given attempt (0-based). Nil retries everything except 4xx.
	ShouldRetry func(err error, attempt int) bool
}

// DefaultRetryPolicy returns the default schedule: 2 retries, 300ms base,
// 2s cap, retry everything retryable.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// withDefaults fills zero-value fields. A negative MaxRetries is
// normalized to zero (single attempt, no retries).
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// retryable reports whether the given failure should be retried.
// The 4xx rule overrides the predicate.
func (p RetryPolicy) retryable(err error, attempt int) bool {
	if isClientError(err) {
		return false
	}
	if p.ShouldRetry == nil {
		return true
	}
	return p.ShouldRetry(err, attempt)
}

// delay returns the backoff delay before re-attempting after the given
// 0-based attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
