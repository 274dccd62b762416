package scheduler

import "time"

// backoffDelay returns the delay before retry attempt n (1-based).
// Exponential with a cap and no jitter, so consecutive delays are
// non-decreasing: base, 2*base, 4*base, ..., maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
