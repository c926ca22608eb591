package worker

import (
	"context"
	"errors"
	"time"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// RetryPolicy decides whether a failed dispatch is attempted again and how
// long to wait first. It performs no I/O.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// ShouldRetry reports whether another attempt follows a failed attempt.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts() {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Backoff returns the wait after the given failed attempt: base × 2^(attempt−1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return p.BaseDelay << shift
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
