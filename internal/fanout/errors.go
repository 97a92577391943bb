package fanout

import (
	"errors"
	"strings"
	"sync"
)

// Permanent wraps an error a worker has classified as non-retryable: the
// row goes straight to MarkFailed instead of MarkRetry.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// AsPermanent marks err as permanent.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// sqlCorruptionMarkers are substrings that identify a sqlite error as
// database corruption rather than a transient lock/busy condition.
var sqlCorruptionMarkers = []string{
	"database disk image is malformed",
	"file is not a database",
	"database corruption",
}

// IsSQLCorruption reports whether err's text matches a known sqlite
// corruption marker.
func IsSQLCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sqlCorruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ArchivalCircuit tracks a run of consecutive archival failures and
// reports when the archival target should be disabled for new claims,
// per spec.md §4.3 step 6. It is process-wide (one instance shared by
// every archival worker) and resets on the next success.
type ArchivalCircuit struct {
	mu        sync.Mutex
	streak    int
	threshold int
}

// NewArchivalCircuit builds a circuit that opens after threshold
// consecutive failures. A non-positive threshold disables the circuit
// (Open always reports false).
func NewArchivalCircuit(threshold int) *ArchivalCircuit {
	return &ArchivalCircuit{threshold: threshold}
}

// RecordSuccess resets the failure streak.
func (c *ArchivalCircuit) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak = 0
}

// RecordFailure increments the failure streak and reports whether the
// circuit is now open.
func (c *ArchivalCircuit) RecordFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak++
	return c.open()
}

// Open reports whether the circuit is currently tripped.
func (c *ArchivalCircuit) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open()
}

func (c *ArchivalCircuit) open() bool {
	if c.threshold <= 0 {
		return false
	}
	return c.streak >= c.threshold
}
