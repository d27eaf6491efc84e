package concurrency

import (
	"context"
	"sync"
)

// Semaphore is a counting lock with an explicit FIFO wait queue.
//
// Fairness relies on direct permit handoff: Release hands the permit to the
// oldest waiter instead of decrementing the count, so a late TryAcquire can
// never steal a slot from a caller that queued first. This deliberately does
// not lean on channel-buffer ordering the way a token-channel semaphore
// would (those make no FIFO promise under contention).
type Semaphore struct {
	mu      sync.Mutex
	max     int
	current int
	waiters []*waiter
}

// waiter.ready is closed exactly once, when the permit is handed over.
type waiter struct {
	ready chan struct{}
}

// NewSemaphore returns a semaphore admitting up to maxConcurrent holders.
// A non-positive capacity is clamped to 1.
func NewSemaphore(maxConcurrent int) *Semaphore {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Semaphore{max: maxConcurrent}
}

// Acquire obtains a permit, blocking in FIFO order while the semaphore is
// saturated. It returns ctx.Err() if ctx ends first; a cancelled waiter is
// removed from the queue, and if the grant raced the cancellation the permit
// is passed on rather than stranded.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.current < s.max && len(s.waiters) == 0 {
		s.current++
		s.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-w.ready:
		// Granted while we were cancelling: hand the permit to the next
		// waiter (or return it to the pool) so capacity is never lost.
		s.releaseLocked()
	default:
		s.removeWaiterLocked(w)
	}
	s.mu.Unlock()
	return ctx.Err()
}

// TryAcquire obtains a permit without blocking and without enqueueing.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.max && len(s.waiters) == 0 {
		s.current++
		return true
	}
	return false
}

// Release returns a permit. If waiters are queued, the permit is transferred
// directly to the oldest one and the held count is unchanged; otherwise the
// count is decremented (never below zero).
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Semaphore) releaseLocked() {
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w.ready)
		return
	}
	if s.current > 0 {
		s.current--
	}
}

func (s *Semaphore) removeWaiterLocked(w *waiter) {
	for i, q := range s.waiters {
		if q == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Do runs fn while holding a permit, releasing on every exit path
// (including a panicking fn).
func (s *Semaphore) Do(ctx context.Context, fn func() error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}

// Cap returns the configured capacity.
func (s *Semaphore) Cap() int { return s.max }

// Current returns the number of held permits.
func (s *Semaphore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Waiting returns the number of queued waiters.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Available returns how many permits could be acquired without blocking.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.waiters) > 0 {
		return 0
	}
	return s.max - s.current
}
