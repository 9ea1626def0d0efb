package taskqueue

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of retryable handler errors. After MaxAttempts
// the message is dropped (and counted) rather than requeued, so one poisoned
// message cannot block its partition.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Exponential bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		Exponential: true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaults.Backoff
	}
	return p
}

// delay returns the wait before the given 1-based attempt number.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if !p.Exponential {
		return p.Backoff
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Do runs fn, retrying errors marked Retryable per the policy. Non-retryable
// errors and context cancellation return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return err
}
