package engine

import "time"

const (
	// BackoffBase is the first retry delay.
	BackoffBase = 1 * time.Second
	// BackoffCap bounds the retry delay regardless of attempt count.
	BackoffCap = 60 * time.Second
)

// RetryBackoff returns the delay before the given retry attempt, doubling
// per attempt and capped at BackoffCap.
func RetryBackoff(retriesUsed int) time.Duration {
	if retriesUsed < 1 {
		return BackoffBase
	}
	// 2^6s already exceeds the cap, avoid shifting into overflow.
	if retriesUsed > 6 {
		return BackoffCap
	}
	d := BackoffBase << uint(retriesUsed)
	if d > BackoffCap {
		return BackoffCap
	}
	return d
}
