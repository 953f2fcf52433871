package broker

import "time"

const (
	baseDelay = 250 * time.Millisecond
	maxDelay  = 5 * time.Second
)

// retryBackoff returns the exponential backoff duration for a given attempt
// number (0-based): baseDelay * 2^attempt, capped at maxDelay.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		return baseDelay
	}
	if attempt > 10 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
