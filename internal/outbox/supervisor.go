package outbox

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Supervisor owns backend selection and the at-most-one-promotion-per-
// process-lifetime policy from spec.md §9: the embedded (sqlite) backend
// auto-promotes to the external (bbolt) backend on a disk-I/O error, and
// the external backend auto-demotes back to embedded on init failure. It
// never re-promotes after a successful embedded period.
type Supervisor struct {
	log *zap.Logger

	mu        sync.RWMutex
	active    Backend
	promoted  atomic.Bool
	sqlitePath string
	bboltPath  string
}

// NewSupervisor opens the configured backend ("sqlite" or "bbolt"),
// demoting to sqlite if bbolt's init fails.
func NewSupervisor(log *zap.Logger, preferred, sqlitePath, bboltPath string) (*Supervisor, error) {
	s := &Supervisor{log: log, sqlitePath: sqlitePath, bboltPath: bboltPath}

	if preferred == "bbolt" {
		backend, err := OpenBBoltBackend(bboltPath)
		if err != nil {
			log.Warn("bbolt backend init failed, demoting to sqlite", zap.Error(err))
			backend, err2 := OpenSQLiteBackend(sqlitePath)
			if err2 != nil {
				return nil, fmt.Errorf("outbox: demote to sqlite also failed: %w", err2)
			}
			s.active = backend
			return s, nil
		}
		s.active = backend
		return s, nil
	}

	backend, err := OpenSQLiteBackend(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("outbox: open sqlite backend: %w", err)
	}
	s.active = backend
	return s, nil
}

// CurrentBackend reports the active backend's name, for /telemetry/fanout.
func (s *Supervisor) CurrentBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Name()
}

// Promoted reports whether a disk-I/O-triggered promotion has already
// happened this process lifetime.
func (s *Supervisor) Promoted() bool { return s.promoted.Load() }

// Backend returns the currently active backend. Callers should call this
// once per operation rather than caching it, so a promotion mid-process is
// picked up.
func (s *Supervisor) Backend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ReportIOError is called by a backend caller when an operation fails with
// what looks like a disk-I/O error. It promotes sqlite -> bbolt exactly
// once per process lifetime.
func (s *Supervisor) ReportIOError(err error) {
	if err == nil || !isDiskIOError(err) {
		return
	}
	if s.Backend().Name() != "sqlite" {
		return
	}
	if !s.promoted.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	newBackend, openErr := OpenBBoltBackend(s.bboltPath)
	if openErr != nil {
		s.log.Error("outbox promotion to bbolt failed, staying on sqlite", zap.Error(openErr))
		s.promoted.Store(false)
		return
	}
	old := s.active
	s.active = newBackend
	s.log.Warn("outbox backend promoted sqlite -> bbolt after disk I/O error", zap.Error(err))
	_ = old.Close()
}

func isDiskIOError(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrClosed) || errors.Is(err, fs.ErrNotExist)
}

// Close shuts down the active backend.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Close()
}
