package outbox

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialWithJitter computes base·2^(attempt-1) capped at capDur, plus
// uniform jitter in [0, min(1s, capDur*0.2)]. Grounded on spec.md §4.2's
// retry formula.
func ExponentialWithJitter(base, capDur time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(capDur) || backoff <= 0 {
		backoff = float64(capDur)
	}

	maxJitter := float64(capDur) * 0.2
	if maxJitter > float64(time.Second) {
		maxJitter = float64(time.Second)
	}
	jitter := rand.Float64() * maxJitter

	return time.Duration(backoff + jitter)
}
