package orchestrator

import (
	"math"
	"time"
)

// RetryPolicy is an explicit, injectable retry schedule: max attempts, base
// delay and backoff multiplier. Components take it by value so tests can run
// with a fake clock and zero delays.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `json:"base_delay"`

	// Multiplier scales the delay after every attempt.
	Multiplier float64 `json:"multiplier"`

	// MaxDelay caps the per-attempt delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// Delay returns the backoff delay after the given 0-indexed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// StartRecoveryRetryPolicy is the schedule for conflict-class errors during
// job creation: 5 attempts, 10s base delay, doubling.
func StartRecoveryRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Second,
		Multiplier:  2,
	}
}

// ApplyConfigRetryPolicy is the schedule for throttling-class errors during
// launch-configuration updates.
func ApplyConfigRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}
