package queue

import (
	"math/rand"
	"time"
)

// BackoffCalculator computes the delay before a failed job's next attempt,
// given its (post-increment) retry count and configured base backoff. You
// may provide your own for a queue or rely on the builtin exponential
// calculator, matching the teacher's BackoffCalculator type in
// worker_pool.go (there keyed off *Job; here it operates on the same
// currentRetries/base pair the broker script already has on hand).
type BackoffCalculator func(currentRetries uint32, base time.Duration) time.Duration

// DefaultMaxBackoff bounds the computed delay when a queue doesn't
// override it, per spec.md §4.1's backoff law.
const DefaultMaxBackoff = 15 * time.Minute

// defaultBackoff implements spec.md §4.1's backoff law:
//
//	backoff(n, base) = clamp(base * 2^(n-1) * (1 ± jitter), base, max_delay)
//
// with jitter in [0, 0.3).
func defaultBackoff(maxDelay time.Duration) BackoffCalculator {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	return func(currentRetries uint32, base time.Duration) time.Duration {
		if base <= 0 {
			base = time.Second
		}
		if currentRetries == 0 {
			currentRetries = 1
		}

		shift := currentRetries - 1
		if shift > 32 {
			shift = 32
		}
		delay := base * time.Duration(uint64(1)<<shift)

		jitter := rand.Float64() * 0.3
		sign := 1.0
		if rand.Intn(2) == 0 {
			sign = -1.0
		}
		delay = time.Duration(float64(delay) * (1 + sign*jitter))

		if delay < base {
			delay = base
		}
		if delay > maxDelay {
			delay = maxDelay
		}
		return delay
	}
}
