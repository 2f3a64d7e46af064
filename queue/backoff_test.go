package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Consecutive retries' jitter bands never overlap: ceiling(n) = base *
// 2^(n-1) * 1.3, floor(n+1) = base * 2^n * 0.7 = base * 2^(n-1) * 1.4, and
// 1.4 > 1.3, so delay(n+1) > delay(n) holds for every draw as long as
// neither has saturated at max_delay. That makes monotonicity a safe
// property to assert despite the jitter being random.
func TestDefaultBackoff_MonotonicAndBounded(t *testing.T) {
	backoff := defaultBackoff(time.Hour) // large enough that n<=6 never clamps
	base := time.Second

	var prev time.Duration
	for n := uint32(1); n <= 6; n++ {
		d := backoff(n, base)
		require.GreaterOrEqual(t, d, base, "retry %d below base", n)
		require.LessOrEqual(t, d, time.Hour, "retry %d exceeds max_delay", n)
		if n > 1 {
			assert.Greater(t, d, prev, "retry %d did not grow from retry %d", n, n-1)
		}
		prev = d
	}
}

func TestDefaultBackoff_ZeroRetriesTreatedAsOne(t *testing.T) {
	backoff := defaultBackoff(time.Minute)
	d0 := backoff(0, time.Second)
	d1 := backoff(1, time.Second)
	// Both should fall in the same order of magnitude band (n=0 coerced to n=1).
	assert.GreaterOrEqual(t, d0, time.Second)
	assert.GreaterOrEqual(t, d1, time.Second)
}

func TestDefaultBackoff_DefaultsWhenUnset(t *testing.T) {
	backoff := defaultBackoff(0) // should fall back to DefaultMaxBackoff
	d := backoff(20, 0)          // base <= 0 should fall back to 1s
	assert.LessOrEqual(t, d, DefaultMaxBackoff)
	assert.GreaterOrEqual(t, d, time.Second)
}

func TestDefaultBackoff_NeverBelowBase(t *testing.T) {
	backoff := defaultBackoff(time.Hour)
	base := 5 * time.Second
	for n := uint32(1); n <= 3; n++ {
		d := backoff(n, base)
		assert.GreaterOrEqual(t, d, base)
	}
}
