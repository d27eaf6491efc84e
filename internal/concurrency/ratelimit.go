package concurrency

import (
	"context"
	"sync"
	"time"
)

// RateLimiter bounds how many operations may start within a trailing time
// window. Permits are time-based and never released: at most maxOps grants
// occur within any sliding window, enforced by blocking the caller (never by
// rejecting).
//
// This is not a strict scheduling guarantee under contention. A woken caller
// re-runs the whole window check, so when several callers wait on the same
// slot the effective wait can exceed the naive calculation.
type RateLimiter struct {
	mu     sync.Mutex
	maxOps int
	window time.Duration
	stamps []time.Time

	now func() time.Time
}

// NewRateLimiter allows maxOps operations per trailing window. Non-positive
// arguments are clamped to 1 op / 1s.
func NewRateLimiter(maxOps int, window time.Duration) *RateLimiter {
	if maxOps <= 0 {
		maxOps = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{maxOps: maxOps, window: window, now: time.Now}
}

// Acquire blocks until an operation slot is free within the window, then
// records the grant. It returns ctx.Err() if ctx ends while waiting.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryReserve()
		if ok {
			return nil
		}

		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
			// Retry the whole check: another waiter may have taken the slot.
		}
	}
}

// TryAcquire records a grant if a slot is free, without blocking.
func (l *RateLimiter) TryAcquire() bool {
	_, ok := l.tryReserve()
	return ok
}

// tryReserve prunes expired grants and either records a new one (ok=true)
// or reports how long until the oldest grant leaves the window.
func (l *RateLimiter) tryReserve() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			l.stamps[n] = ts
			n++
		}
	}
	l.stamps = l.stamps[:n]

	if len(l.stamps) < l.maxOps {
		l.stamps = append(l.stamps, now)
		return 0, true
	}

	wait = l.window - now.Sub(l.stamps[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

// InWindow returns the number of grants currently inside the window.
func (l *RateLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
