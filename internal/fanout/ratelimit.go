package fanout

import (
	"sync"

	"golang.org/x/time/rate"

	"memoryorch/internal/outbox"
)

// Limiters holds one rate.Limiter per target, shared across every worker
// for that target in the process (spec.md §5: "rate-limited targets
// share a single limiter instance across all workers in the process").
type Limiters struct {
	mu       sync.RWMutex
	byTarget map[outbox.Target]*rate.Limiter
}

// NewLimiters builds one limiter per entry in perSec, keyed by target
// name. A target missing from perSec (or with a non-positive rate) gets
// no limiter, and Limiter returns nil for it.
func NewLimiters(perSec map[string]float64) *Limiters {
	byTarget := make(map[outbox.Target]*rate.Limiter, len(perSec))
	for target, limit := range perSec {
		if limit <= 0 {
			continue
		}
		burst := int(limit)
		if burst < 1 {
			burst = 1
		}
		byTarget[outbox.Target(target)] = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return &Limiters{byTarget: byTarget}
}

// Limiter returns the shared limiter for target, or nil if unconfigured.
func (l *Limiters) Limiter(target outbox.Target) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byTarget[target]
}
