package workflow

import "time"

// Delay returns the exponential backoff delay for a retry attempt:
// base * 2^attempt, capped at max. A max of zero or less means uncapped.
// The function is pure and deterministic; no jitter is applied.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	// Guard the shift against overflow; anything past 62 doublings exceeds
	// every practical cap.
	if attempt > 62 || base > time.Duration(1)<<62>>uint(attempt) {
		if max > 0 {
			return max
		}
		return 1<<63 - 1
	}

	d := base << uint(attempt)
	if max > 0 && d > max {
		return max
	}
	return d
}
