package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSemaphoreBound(t *testing.T) {
	t.Parallel()
	sem := NewSemaphore(3)

	var wg sync.WaitGroup
	var peak atomic.Int32
	var cur atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(context.Background()); err != nil {
				t.Error("acquire:", err)
				return
			}
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			sem.Release()
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 3 {
		t.Fatalf("observed %d concurrent holders, cap is 3", p)
	}
	if got := sem.Current(); got != 0 {
		t.Fatalf("Current = %d after all releases, want 0", got)
	}
}

func TestSemaphoreReleaseNeverGoesNegative(t *testing.T) {
	t.Parallel()
	sem := NewSemaphore(2)
	sem.Release()
	sem.Release()
	if got := sem.Current(); got != 0 {
		t.Fatalf("Current = %d, want 0", got)
	}
	if !sem.TryAcquire() {
		t.Fatal("TryAcquire should succeed on an idle semaphore")
	}
}

func TestSemaphoreFIFOFairness(t *testing.T) {
	t.Parallel()
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		// Enqueue strictly in order: wait until the previous waiter is queued.
		waitFor(t, func() bool { return sem.Waiting() == i-1 }, "previous waiter queued")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(context.Background()); err != nil {
				t.Error("acquire:", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			sem.Release()
		}()
	}
	waitFor(t, func() bool { return sem.Waiting() == 3 }, "all waiters queued")

	// A late TryAcquire must not steal the permit from queued waiters.
	if sem.TryAcquire() {
		t.Fatal("TryAcquire succeeded while waiters are queued")
	}

	sem.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("grant order = %v, want [1 2 3]", order)
		}
	}
}

func TestSemaphoreCancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sem.Acquire(ctx) }()
	waitFor(t, func() bool { return sem.Waiting() == 1 }, "waiter queued")

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire = %v, want context.Canceled", err)
	}
	if got := sem.Waiting(); got != 0 {
		t.Fatalf("Waiting = %d after cancellation, want 0", got)
	}

	// Capacity must be fully recoverable.
	sem.Release()
	if got := sem.Available(); got != 1 {
		t.Fatalf("Available = %d, want 1", got)
	}
}

func TestSemaphoreDoReleasesOnPanic(t *testing.T) {
	t.Parallel()
	sem := NewSemaphore(1)

	func() {
		defer func() { _ = recover() }()
		_ = sem.Do(context.Background(), func() error { panic("boom") })
	}()

	if got := sem.Current(); got != 0 {
		t.Fatalf("Current = %d after panicking body, want 0", got)
	}
}

func TestSemaphoreDo(t *testing.T) {
	t.Parallel()
	sem := NewSemaphore(2)
	wantErr := errors.New("body error")
	err := sem.Do(context.Background(), func() error {
		if got := sem.Current(); got != 1 {
			t.Fatalf("Current = %d inside Do, want 1", got)
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do = %v, want body error", err)
	}
	if got := sem.Current(); got != 0 {
		t.Fatalf("Current = %d after Do, want 0", got)
	}
}

func TestMutexAliases(t *testing.T) {
	t.Parallel()
	m := NewMutex()

	if err := m.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.Locked() {
		t.Fatal("Locked = false while held")
	}
	if m.TryLock() {
		t.Fatal("TryLock succeeded on a held mutex")
	}
	m.Unlock()

	ran := false
	if err := m.RunExclusive(context.Background(), func() error {
		ran = true
		if m.TryLock() {
			t.Fatal("TryLock succeeded inside RunExclusive")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("RunExclusive body did not run")
	}
	if m.Locked() {
		t.Fatal("Locked = true after RunExclusive")
	}
}
