package connman

import (
	"math/rand"
	"time"
)

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// NextBackoff returns the wait after the given number of consecutive
// failures: base·2^(fails-1) plus up to half of that again as jitter, capped
// at max. Without the cap the result grows strictly with fails.
func NextBackoff(base, max time.Duration, fails int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	if fails < 1 {
		fails = 1
	}
	shift := fails - 1
	if shift > 30 {
		shift = 30
	}
	backoff := base << shift
	if backoff <= 0 || backoff >= max {
		return max
	}
	if half := int64(backoff / 2); half > 0 && rng != nil {
		backoff += time.Duration(rng.Int63n(half))
	}
	if backoff > max {
		return max
	}
	return backoff
}
