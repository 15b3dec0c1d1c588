package bus

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes min(cap, base * 2^(attempts-1)) with a ±20% jitter
// fraction so retrying events don't thunder-herd. attempts is the attempt
// count that just failed (1-indexed: the first failure passes attempts=1).
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	multiple := math.Pow(2, float64(attempts-1))
	delay := time.Duration(float64(base) * multiple)

	if delay > cap {
		delay = cap
	}

	// jitter in [-20%, +20%]
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}
