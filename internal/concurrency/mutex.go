package concurrency

import "context"

// Mutex is a Semaphore specialized to capacity 1. Lock/Unlock/TryLock/
// RunExclusive are naming aliases over the same state machine, so it keeps
// the semaphore's FIFO handoff (unlike sync.Mutex, which makes no ordering
// promise).
type Mutex struct {
	sem *Semaphore
}

func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

func (m *Mutex) Lock(ctx context.Context) error { return m.sem.Acquire(ctx) }
func (m *Mutex) Unlock()                        { m.sem.Release() }
func (m *Mutex) TryLock() bool                  { return m.sem.TryAcquire() }

// RunExclusive runs fn under the lock, unlocking on every exit path.
func (m *Mutex) RunExclusive(ctx context.Context, fn func() error) error {
	return m.sem.Do(ctx, fn)
}

// Locked reports whether the lock is currently held.
func (m *Mutex) Locked() bool { return m.sem.Current() > 0 }
