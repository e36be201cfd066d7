package core

// limiter.go implements concurrency control for version runs.
//
// The limiter uses a semaphore pattern to restrict parallel runs to a
// configurable maximum, and remembers which versions are in flight so the
// poller never starts a second run for a version that is still being
// processed. WaitForDrain blocks until all active runs complete, for
// graceful shutdown.

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMaxConcurrentRuns is the default limit for parallel runs.
const DefaultMaxConcurrentRuns = 2

// RunLimiter controls concurrent run processing.
type RunLimiter struct {
	semaphore chan struct{}

	mu       sync.RWMutex
	inFlight map[int64]struct{}
}

// NewRunLimiter creates a limiter that allows at most maxConcurrent simultaneous runs.
func NewRunLimiter(maxConcurrent int) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}

	return &RunLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		inFlight:  make(map[int64]struct{}),
	}
}

// TryAcquire claims a slot for versionID without blocking.
// Returns false if the version is in flight or no slot is free.
// The caller MUST call Release(versionID) when the run completes.
func (l *RunLimiter) TryAcquire(versionID int64) bool {
	if !l.claim(versionID) {
		return false
	}
	select {
	case l.semaphore <- struct{}{}:
		return true
	default:
		l.unclaim(versionID)
		return false
	}
}

// Release releases the slot held for versionID.
// Must be called exactly once for each successful TryAcquire.
func (l *RunLimiter) Release(versionID int64) {
	l.unclaim(versionID)
	<-l.semaphore
}

func (l *RunLimiter) claim(versionID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inFlight[versionID]; busy {
		return false
	}
	l.inFlight[versionID] = struct{}{}
	return true
}

func (l *RunLimiter) unclaim(versionID int64) {
	l.mu.Lock()
	delete(l.inFlight, versionID)
	l.mu.Unlock()
}

// InFlight reports whether a run for versionID is active.
func (l *RunLimiter) InFlight(versionID int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.inFlight[versionID]
	return ok
}

// ActiveCount returns the number of currently active runs.
func (l *RunLimiter) ActiveCount() int {
	return len(l.semaphore)
}

// MaxConcurrent returns the maximum allowed concurrent runs.
func (l *RunLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// Available returns the number of available slots.
func (l *RunLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until all active runs complete or context is cancelled.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunLimiterStatus is a snapshot of the limiter's current state.
type RunLimiterStatus struct {
	Active        int     `json:"active"`
	Available     int     `json:"available"`
	MaxConcurrent int     `json:"max_concurrent"`
	Versions      []int64 `json:"versions"`
}

// Status returns the current limiter state for monitoring.
func (l *RunLimiter) Status() RunLimiterStatus {
	l.mu.RLock()
	versions := make([]int64, 0, len(l.inFlight))
	for id := range l.inFlight {
		versions = append(versions, id)
	}
	l.mu.RUnlock()
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	return RunLimiterStatus{
		Active:        len(l.semaphore),
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
		Versions:      versions,
	}
}
