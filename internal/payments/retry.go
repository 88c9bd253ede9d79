package payments

import (
	"context"
	"math"
	"time"

	"payment-relay/internal/config"
)

type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Factor         float64
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		Factor:         2,
		AttemptTimeout: 10 * time.Second,
	}
}

func retryPolicyFrom(c config.Retry) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.Factor >= 1 {
		p.Factor = c.Factor
	}
	if c.AttemptTimeout > 0 {
		p.AttemptTimeout = c.AttemptTimeout
	}
	return p
}

// Backoff is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
