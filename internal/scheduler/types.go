package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	// HistorySize bounds the run-history buffer (default 100).
	HistorySize int

	// ErrorHandler, when set, is invoked once per terminal task failure
	// (after retries are exhausted). It must not block.
	ErrorHandler ErrorHandler
}

// ErrorHandler receives terminal task failures. The scheduler itself never
// propagates a task body's error out of the tick loop; this hook is the way
// collaborators forward failures to their own alerting.
type ErrorHandler interface {
	HandleTaskError(name string, err error)
}

// ErrorHandlerFunc adapts a plain function to an ErrorHandler.
type ErrorHandlerFunc func(name string, err error)

func (f ErrorHandlerFunc) HandleTaskError(name string, err error) { f(name, err) }

// TaskOptions are the per-task knobs passed to Schedule.
type TaskOptions struct {
	// Interval between invocations. Required, > 0.
	Interval time.Duration

	// RunImmediately dispatches the first invocation at registration (or at
	// Start, if the scheduler isn't running yet) instead of waiting one
	// interval.
	RunImmediately bool

	// MaxRetries is how many times a failed invocation is re-attempted.
	// Retries use a fixed RetryDelay between attempts, not a backoff curve.
	MaxRetries int
	RetryDelay time.Duration
}

// TaskStats is mutated only by the scheduler's tick handler.
type TaskStats struct {
	Runs                uint64
	LastRun             time.Time
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// HistoryEntry records one terminal outcome (success or exhausted-retries
// error). Entries live in a bounded buffer; oldest are evicted.
type HistoryEntry struct {
	RunID     string
	Task      string
	Status    Status
	Err       string
	Started   time.Time
	Duration  time.Duration
	Attempts  int
	Timestamp time.Time
}

// TaskEvent is the payload published on the event bus for task lifecycle
// events.
type TaskEvent struct {
	RunID    string        `json:"run_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	TaskCount int
	Tasks     map[string]TaskStats
}

type task struct {
	name    string
	job     func(ctx context.Context) error
	opt     TaskOptions
	enabled bool
	entryID cron.EntryID
	state   *runState
	stats   TaskStats
}

// runState gates overlap: a tick never starts while the previous invocation
// of the same task is still settling.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (r *runState) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight {
		return false
	}
	r.inflight = true
	return true
}

func (r *runState) release() {
	r.mu.Lock()
	r.inflight = false
	r.mu.Unlock()
}

// intervalSchedule fires a fixed duration after each activation time.
// Unlike cron.Every it keeps sub-second resolution.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }
