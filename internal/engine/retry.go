package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/opchain/pkg/schema"
)

// DefaultRetryDelay is the chain runner's linear backoff unit.
const DefaultRetryDelay = time.Second

// IsRetryableError reports whether a failed attempt may be repeated while
// retries remain. Cancellation is final; every other failure retries.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}
	return true
}

// LinearBackoff is the delay before retry attempt n (1-based): n × unit.
func LinearBackoff(unit time.Duration, attempt int) time.Duration {
	if unit <= 0 || attempt <= 0 {
		return 0
	}
	return unit * time.Duration(attempt)
}

// ExponentialBackoff is base × 2^retryCount, capped at ceiling when ceiling > 0.
func ExponentialBackoff(base, ceiling time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
