package outbox

import "time"

const maxBackoffShift = 16

// Backoff returns the delay before the next attempt given the attempts made so far.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff returns base * 2^(attempt-1): with a one-minute base this yields
// 1, 2, 4, 8, 16 minutes for attempts 1..5.
func ExponentialBackoff(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		shift := attempt - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}

		return base * time.Duration(1<<uint(shift))
	}
}

// DefaultBackoff is ExponentialBackoff with a one-minute base.
var DefaultBackoff = ExponentialBackoff(time.Minute)
