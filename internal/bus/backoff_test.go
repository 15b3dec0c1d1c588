package bus

import (
	"testing"
	"time"
)

func TestBackoffRespectsCap(t *testing.T) {
	base := 2 * time.Second
	cap := 10 * time.Second

	// attempts=10 would be base*2^9 without a cap, far beyond cap.
	d := Backoff(10, base, cap)
	maxWithJitter := time.Duration(float64(cap) * 1.2)
	if d > maxWithJitter {
		t.Fatalf("backoff %s exceeds capped+jitter bound %s", d, maxWithJitter)
	}
}

func TestBackoffDoublesWithinJitterBounds(t *testing.T) {
	base := 2 * time.Second
	cap := 300 * time.Second

	for attempts := 1; attempts <= 4; attempts++ {
		d := Backoff(attempts, base, cap)
		want := time.Duration(float64(base) * float64(int64(1)<<(attempts-1)))
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("attempt %d: backoff %s outside [%s,%s] around %s", attempts, d, lo, hi, want)
		}
	}
}

func TestBackoffTreatsSubOneAttemptsAsOne(t *testing.T) {
	base := 2 * time.Second
	cap := 300 * time.Second

	d0 := Backoff(0, base, cap)
	d1 := Backoff(1, base, cap)
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)

	for _, d := range []time.Duration{d0, d1} {
		if d < lo || d > hi {
			t.Fatalf("backoff %s for attempts<=1 outside [%s,%s]", d, lo, hi)
		}
	}
}
