package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	logx "github.com/Soulfra/agent-router-sub013/pkg/logx"
)

func newTestBalancer() *AgentLoadBalancer {
	return NewAgentLoadBalancer(logx.Nop())
}

// occupy grabs a permit on the agent and returns a func releasing it.
func occupy(t *testing.T, b *AgentLoadBalancer, agentID string) func() {
	t.Helper()
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := b.Execute(context.Background(), agentID, func(context.Context) error {
			<-release
			return nil
		}, ExecOptions{})
		if err != nil {
			t.Error("occupy execute:", err)
		}
	}()
	waitFor(t, func() bool {
		st, err := b.AgentStats(agentID)
		return err == nil && st.Current == 1
	}, "agent permit occupied")
	return func() {
		close(release)
		<-done
	}
}

func TestExecuteNotRegistered(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	err := b.Execute(context.Background(), "ghost", func(context.Context) error { return nil }, ExecOptions{})
	if !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("Execute = %v, want ErrAgentNotRegistered", err)
	}
}

func TestExecuteFastPath(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 2)

	ran := false
	err := b.Execute(context.Background(), "a", func(context.Context) error {
		ran = true
		st, err := b.AgentStats("a")
		if err != nil {
			return err
		}
		if st.Current != 1 {
			t.Fatalf("Current = %d during execute, want 1", st.Current)
		}
		return nil
	}, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("body did not run")
	}

	st, err := b.AgentStats("a")
	if err != nil {
		t.Fatal(err)
	}
	if st.Current != 0 || st.Available != 2 || st.TotalRequests != 1 {
		t.Fatalf("stats after execute = %+v", st)
	}
}

func TestExecuteOverloadDelegation(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 1)
	releaseFirst := occupy(t, b, "a")
	defer releaseFirst()

	var delegated atomic.Bool
	var bodyRan atomic.Bool
	err := b.Execute(context.Background(), "a", func(context.Context) error {
		bodyRan.Store(true)
		return nil
	}, ExecOptions{
		OnOverload: OverloadFunc(func(ctx context.Context, agentID string, fn func(context.Context) error) error {
			delegated.Store(true)
			if agentID != "a" {
				t.Errorf("delegate agentID = %q, want %q", agentID, "a")
			}
			// A real handler would route fn elsewhere; don't run it here so
			// the test can assert the saturated agent never executes it.
			return nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !delegated.Load() {
		t.Fatal("overload handler was not invoked")
	}
	if bodyRan.Load() {
		t.Fatal("body ran on the saturated agent")
	}

	st, err := b.AgentStats("a")
	if err != nil {
		t.Fatal(err)
	}
	// Delegation bypasses the queue entirely.
	if st.Queued != 0 || st.RejectedRequests != 0 {
		t.Fatalf("delegation touched counters: %+v", st)
	}
	if st.TotalRequests != 2 {
		t.Fatalf("TotalRequests = %d, want 2", st.TotalRequests)
	}
}

func TestExecuteTimeoutRejection(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 1)
	releaseFirst := occupy(t, b, "a")
	defer releaseFirst()

	err := b.Execute(context.Background(), "a", func(context.Context) error {
		t.Error("body must not run after rejection")
		return nil
	}, ExecOptions{Timeout: 30 * time.Millisecond})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Execute = %v, want *TimeoutError", err)
	}
	if !IsTimeout(err) {
		t.Fatal("IsTimeout = false for a timeout rejection")
	}

	st, stErr := b.AgentStats("a")
	if stErr != nil {
		t.Fatal(stErr)
	}
	if st.RejectedRequests != 1 {
		t.Fatalf("RejectedRequests = %d, want 1", st.RejectedRequests)
	}
	// The timed-out waiter must have left the queue so the permit is not
	// stranded once the holder releases.
	if st.Queued != 0 {
		t.Fatalf("Queued = %d after timeout, want 0", st.Queued)
	}
}

func TestExecuteQueuedThenGranted(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 1)
	releaseFirst := occupy(t, b, "a")

	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), "a", func(context.Context) error { return nil }, ExecOptions{})
	}()
	waitFor(t, func() bool {
		st, err := b.AgentStats("a")
		return err == nil && st.Queued == 1
	}, "second request queued")

	releaseFirst()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	st, err := b.AgentStats("a")
	if err != nil {
		t.Fatal(err)
	}
	if st.Current != 0 || st.Queued != 0 || st.TotalRequests != 2 {
		t.Fatalf("stats after drain = %+v", st)
	}
}

func TestExecuteConcurrencyBound(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 3)

	var cur, peak atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			return b.Execute(ctx, "a", func(context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				cur.Add(-1)
				return nil
			}, ExecOptions{})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("observed %d concurrent bodies, cap is 3", p)
	}
}

func TestLeastLoaded(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("busy", 4)
	b.Register("idle", 4)
	b.Register("mid", 4)

	stopBusy1 := occupy(t, b, "busy")
	defer stopBusy1()
	waitFor(t, func() bool {
		st, _ := b.AgentStats("busy")
		return st.Current == 1
	}, "busy loaded")
	stopBusy2 := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), "busy", func(context.Context) error {
			<-stopBusy2
			return nil
		}, ExecOptions{})
	}()
	defer close(stopBusy2)
	waitFor(t, func() bool {
		st, _ := b.AgentStats("busy")
		return st.Current == 2
	}, "busy at load 2")

	stopMid := occupy(t, b, "mid")
	defer stopMid()

	got, err := b.LeastLoaded("busy", "idle", "mid")
	if err != nil {
		t.Fatal(err)
	}
	if got != "idle" {
		t.Fatalf("LeastLoaded = %q, want %q", got, "idle")
	}

	if _, err := b.LeastLoaded(); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("LeastLoaded() = %v, want ErrNoCandidates", err)
	}
	if _, err := b.LeastLoaded("idle", "ghost"); !errors.Is(err, ErrAgentNotRegistered) {
		t.Fatalf("LeastLoaded with unknown = %v, want ErrAgentNotRegistered", err)
	}
}

func TestIsAvailable(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 1)

	if !b.IsAvailable("a") {
		t.Fatal("fresh agent should be available")
	}
	release := occupy(t, b, "a")
	if b.IsAvailable("a") {
		t.Fatal("saturated agent reported available")
	}
	release()
	if !b.IsAvailable("a") {
		t.Fatal("drained agent should be available again")
	}
	if b.IsAvailable("ghost") {
		t.Fatal("unknown agent reported available")
	}
}

func TestReRegisterReplacesSemaphore(t *testing.T) {
	t.Parallel()
	b := newTestBalancer()
	b.Register("a", 1)
	release := occupy(t, b, "a")
	defer release()

	// Re-registration swaps in a fresh semaphore; the old permit is orphaned
	// and the new capacity is immediately usable.
	b.Register("a", 2)
	st, err := b.AgentStats("a")
	if err != nil {
		t.Fatal(err)
	}
	if st.Max != 2 || st.Current != 0 {
		t.Fatalf("stats after re-register = %+v", st)
	}
	if !b.IsAvailable("a") {
		t.Fatal("re-registered agent should be available")
	}
	// Stats survive the swap.
	if st.TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d, want 1", st.TotalRequests)
	}
}
