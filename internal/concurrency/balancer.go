package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	logx "github.com/Soulfra/agent-router-sub013/pkg/logx"
)

// OverloadHandler is the delegation strategy invoked when an agent is
// saturated and the caller asked not to queue. Typical implementations route
// the work to a different agent.
type OverloadHandler interface {
	HandleOverload(ctx context.Context, agentID string, fn func(context.Context) error) error
}

// OverloadFunc adapts a plain function to an OverloadHandler.
type OverloadFunc func(ctx context.Context, agentID string, fn func(context.Context) error) error

func (f OverloadFunc) HandleOverload(ctx context.Context, agentID string, fn func(context.Context) error) error {
	return f(ctx, agentID, fn)
}

// ExecOptions are per-call options for Execute.
type ExecOptions struct {
	// Timeout bounds how long the request may wait for a permit.
	// 0 means wait as long as ctx allows.
	Timeout time.Duration

	// OnOverload, when set, is invoked instead of queueing if the agent's
	// semaphore is saturated. The original request then never occupies a
	// slot and the queued/rejected counters are untouched.
	OnOverload OverloadHandler
}

// AgentStats is a read-only view of one agent's load.
type AgentStats struct {
	Current          int
	Max              int
	Queued           int
	Available        int
	TotalRequests    uint64
	RejectedRequests uint64
}

// Load is the routing metric used by LeastLoaded.
func (s AgentStats) Load() int { return s.Current + s.Queued }

type agentEntry struct {
	mu  sync.Mutex
	sem *Semaphore

	total    atomic.Uint64
	rejected atomic.Uint64
	active   atomic.Int32
	queued   atomic.Int32
}

func (e *agentEntry) semaphore() *Semaphore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sem
}

// AgentLoadBalancer composes one Semaphore per registered agent plus
// per-agent usage counters, and adds overload delegation and least-loaded
// selection on top.
type AgentLoadBalancer struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	log    logx.Logger
}

func NewAgentLoadBalancer(log logx.Logger) *AgentLoadBalancer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AgentLoadBalancer{agents: make(map[string]*agentEntry), log: log}
}

// Register creates a semaphore of the given capacity and zeroed counters for
// agentID. Re-registering an existing id swaps in a fresh semaphore; permits
// still held on the old one are orphaned (in-flight work releases to the old
// semaphore, which nothing references anymore). Known limitation: keep agent
// capacities static, or re-register only while the agent is drained.
func (b *AgentLoadBalancer) Register(agentID string, maxConcurrent int) {
	b.mu.Lock()
	ent := b.agents[agentID]
	if ent == nil {
		b.agents[agentID] = &agentEntry{sem: NewSemaphore(maxConcurrent)}
		b.mu.Unlock()
		b.log.Debug("agent registered", logx.String("agent", agentID), logx.Int("max_concurrent", maxConcurrent))
		return
	}
	b.mu.Unlock()

	ent.mu.Lock()
	inFlight := ent.sem.Current()
	ent.sem = NewSemaphore(maxConcurrent)
	ent.mu.Unlock()
	b.log.Warn("agent re-registered, replacing semaphore",
		logx.String("agent", agentID),
		logx.Int("max_concurrent", maxConcurrent),
		logx.Int("orphaned_permits", inFlight))
}

func (b *AgentLoadBalancer) lookup(agentID string) *agentEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.agents[agentID]
}

// Execute runs fn under agentID's concurrency bound.
//
// Fast path: a free permit is taken without blocking. On saturation the call
// either delegates to opts.OnOverload (never occupying a slot) or queues on
// the semaphore, racing opts.Timeout; a timeout rejects the request with a
// *TimeoutError and the cancelled waiter is removed from the queue, so no
// permit is stranded.
func (b *AgentLoadBalancer) Execute(ctx context.Context, agentID string, fn func(context.Context) error, opts ExecOptions) error {
	ent := b.lookup(agentID)
	if ent == nil {
		return fmt.Errorf("%w: %q", ErrAgentNotRegistered, agentID)
	}
	ent.total.Add(1)

	sem := ent.semaphore()
	if !sem.TryAcquire() {
		if opts.OnOverload != nil {
			return opts.OnOverload.HandleOverload(ctx, agentID, fn)
		}

		ent.queued.Add(1)
		acqCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			acqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		err := sem.Acquire(acqCtx)
		if cancel != nil {
			cancel()
		}
		ent.queued.Add(-1)
		if err != nil {
			if opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				ent.rejected.Add(1)
				return &TimeoutError{AgentID: agentID, Duration: opts.Timeout}
			}
			return err
		}
	}

	ent.active.Add(1)
	defer func() {
		ent.active.Add(-1)
		sem.Release()
	}()
	return fn(ctx)
}

// AgentStats returns the current load view for one agent.
func (b *AgentLoadBalancer) AgentStats(agentID string) (AgentStats, error) {
	ent := b.lookup(agentID)
	if ent == nil {
		return AgentStats{}, fmt.Errorf("%w: %q", ErrAgentNotRegistered, agentID)
	}
	return ent.stats(), nil
}

func (e *agentEntry) stats() AgentStats {
	sem := e.semaphore()
	return AgentStats{
		Current:          sem.Current(),
		Max:              sem.Cap(),
		Queued:           int(e.queued.Load()),
		Available:        sem.Available(),
		TotalRequests:    e.total.Load(),
		RejectedRequests: e.rejected.Load(),
	}
}

// Snapshot returns stats for every registered agent.
func (b *AgentLoadBalancer) Snapshot() map[string]AgentStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lo.MapValues(b.agents, func(e *agentEntry, _ string) AgentStats {
		return e.stats()
	})
}

// IsAvailable reports whether agentID has a free permit right now.
func (b *AgentLoadBalancer) IsAvailable(agentID string) bool {
	ent := b.lookup(agentID)
	if ent == nil {
		return false
	}
	return ent.semaphore().Available() > 0
}

// LeastLoaded selects, among the candidates, the agent minimizing
// current + queued. Every candidate must be registered. With equal load the
// earliest candidate wins, so callers can encode preference in the order.
func (b *AgentLoadBalancer) LeastLoaded(agentIDs ...string) (string, error) {
	if len(agentIDs) == 0 {
		return "", ErrNoCandidates
	}

	type loaded struct {
		id   string
		load int
	}
	cands := make([]loaded, 0, len(agentIDs))
	for _, id := range agentIDs {
		ent := b.lookup(id)
		if ent == nil {
			return "", fmt.Errorf("%w: %q", ErrAgentNotRegistered, id)
		}
		st := ent.stats()
		cands = append(cands, loaded{id: id, load: st.Load()})
	}

	best := lo.MinBy(cands, func(a, b loaded) bool { return a.load < b.load })
	return best.id, nil
}
