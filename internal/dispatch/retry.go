package dispatch

import (
	"math"
	"time"
)

// RetryPolicy computes exponential backoff delays for failed events.
type RetryPolicy struct {
	// MaxAttempts is the default retry budget for events that do not
	// carry their own.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// ExponentialBase is the backoff growth factor.
	ExponentialBase float64
}

// DefaultRetryPolicy returns the standard backoff curve.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2,
	}
}

// Delay returns min(initial * base^(attempts-1), max) for the given attempt
// count. Attempts below one are treated as one.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	base := p.ExponentialBase
	if base <= 1 {
		base = 2
	}

	d := time.Duration(float64(p.InitialDelay) * math.Pow(base, float64(attempts-1)))
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}
