// Package retry holds the backoff and eligibility policy applied when a
// document job fails. Delay computation and retry eligibility are separate
// so the queue manager can apply policy without duplicating the semantics
// at every call site.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffType selects how the delay grows with the attempt number.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Policy is an immutable value object describing retry behavior for a job.
type Policy struct {
	MaxAttempts      int           `json:"max_attempts"`
	Backoff          BackoffType   `json:"backoff"`
	InitialDelay     time.Duration `json:"initial_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	Jitter           bool          `json:"jitter"`
	JitterMaxPercent float64       `json:"jitter_max_percent"`
}

// DefaultPolicy mirrors the queue defaults: three attempts, exponential
// growth from 2s capped at 5m, with 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		Backoff:          BackoffExponential,
		InitialDelay:     2 * time.Second,
		MaxDelay:         5 * time.Minute,
		Jitter:           true,
		JitterMaxPercent: 0.25,
	}
}

// Delay returns how long to wait before the given attempt. Attempt numbers
// start at 1; zero or negative falls back to the initial delay. The result
// is capped at MaxDelay, and when jitter is on it is perturbed by a uniform
// offset in ±(delay*JitterMaxPercent) and floored at one second.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialDelay
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffFixed:
		delay = p.InitialDelay
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	default:
		// Compare in float so a large attempt cannot overflow the
		// Duration conversion and slip past the cap.
		grown := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
		if grown >= float64(p.MaxDelay) {
			delay = p.MaxDelay
		} else {
			delay = time.Duration(grown)
		}
	}
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}

	if p.Jitter && p.JitterMaxPercent > 0 {
		span := float64(delay) * p.JitterMaxPercent
		delay += time.Duration((rand.Float64()*2 - 1) * span)
		if delay < time.Second {
			delay = time.Second
		}
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed. Attempts at or
// past MaxAttempts are denied, as are error classes whose failures are
// deterministic and would waste every remaining attempt.
func (p Policy) ShouldRetry(attempt int, errorType string) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	switch errorType {
	case ErrTypeValidation, ErrTypeFormatNotSupported, ErrTypePermissionDenied,
		ErrTypeFormat, ErrTypePermission:
		return false
	}
	return true
}
