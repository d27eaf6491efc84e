package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterWindowBound(t *testing.T) {
	t.Parallel()
	now := time.Now()
	l := NewRateLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("first two grants should be immediate")
	}
	if l.TryAcquire() {
		t.Fatal("third grant inside the window should be refused")
	}
	if got := l.InWindow(); got != 2 {
		t.Fatalf("InWindow = %d, want 2", got)
	}

	// Just before the oldest grant expires: still full.
	now = now.Add(time.Second - time.Millisecond)
	if l.TryAcquire() {
		t.Fatal("window still full, grant should be refused")
	}

	// Once the oldest grant leaves the trailing window, one slot frees up.
	now = now.Add(2 * time.Millisecond)
	if !l.TryAcquire() {
		t.Fatal("slot should be free after the oldest grant expired")
	}
	if l.TryAcquire() {
		t.Fatal("only one slot should have freed")
	}
}

func TestRateLimiterAcquireBlocksForRemainder(t *testing.T) {
	t.Parallel()
	const window = 150 * time.Millisecond
	l := NewRateLimiter(2, window)

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	// Third acquire must resolve no sooner than the remainder of the window
	// measured from the first grant.
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < window-10*time.Millisecond {
		t.Fatalf("third grant after %v, want >= ~%v", elapsed, window)
	}
}

func TestRateLimiterAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(1, time.Minute)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire = %v, want context.DeadlineExceeded", err)
	}
}

func TestRateLimiterClampsConfig(t *testing.T) {
	t.Parallel()
	l := NewRateLimiter(0, 0)
	if !l.TryAcquire() {
		t.Fatal("clamped limiter should grant one op")
	}
	if l.TryAcquire() {
		t.Fatal("clamped limiter should allow only one op per window")
	}
}
