package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Soulfra/agent-router-sub013/internal/eventbus"
	logx "github.com/Soulfra/agent-router-sub013/pkg/logx"
)

const defaultHistorySize = 100

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	c      *cron.Cron
	runCtx context.Context
	tasks  map[string]*task

	// failWarn throttles the per-terminal-failure warn line so a task failing
	// every tick doesn't flood the sinks.
	failWarn *logx.Throttled

	hmu     sync.Mutex
	history []HistoryEntry
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		tasks:    map[string]*task{},
		failWarn: logx.NewThrottled(log, 2),
	}
}

// Schedule registers a named recurring task. Registering a name that already
// exists fails with ErrTaskExists before any task state is mutated.
//
// If the scheduler is already running, the task is wired into the tick loop
// right away, and a RunImmediately task gets its first invocation dispatched
// now instead of one interval from now.
func (s *Service) Schedule(name string, job func(ctx context.Context) error, opt TaskOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("task name required")
	}
	if job == nil {
		return fmt.Errorf("task %q: job required", name)
	}
	if opt.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be > 0", name)
	}
	if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	if opt.RetryDelay < 0 {
		opt.RetryDelay = 0
	}

	s.mu.Lock()
	if _, ok := s.tasks[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskExists, name)
	}
	t := &task{
		name:    name,
		job:     job,
		opt:     opt,
		enabled: true,
		state:   &runState{},
	}
	s.tasks[name] = t
	running := s.c != nil
	if running {
		t.entryID = s.c.Schedule(intervalSchedule{every: opt.Interval}, s.tickJob(name))
	}
	s.mu.Unlock()

	s.log.Debug("task scheduled",
		logx.String("task", name),
		logx.Duration("interval", opt.Interval),
		logx.Bool("run_immediately", opt.RunImmediately),
		logx.Int("max_retries", opt.MaxRetries),
		logx.Duration("retry_delay", opt.RetryDelay))

	if running && opt.RunImmediately {
		go s.tick(name)
	}
	return nil
}

// Start begins the tick loop. Idempotent. ctx is the base context handed to
// task bodies; Stop does not cancel it.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.runCtx = ctx
	s.c = cron.New()
	immediate := make([]string, 0, len(s.tasks))
	for name, t := range s.tasks {
		t.entryID = s.c.Schedule(intervalSchedule{every: t.opt.Interval}, s.tickJob(name))
		if t.opt.RunImmediately {
			immediate = append(immediate, name)
		}
	}
	count := len(s.tasks)
	s.c.Start()
	s.mu.Unlock()

	for _, name := range immediate {
		go s.tick(name)
	}
	s.log.Info("scheduler started", logx.Int("tasks", count))
}

// Stop halts all future ticks. An invocation already in flight runs to
// completion; ctx only bounds how long Stop waits for that.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, t := range s.tasks {
		t.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort: in-flight bodies keep running detached
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Enable re-arms ticks for a disabled task. Registration, stats and history
// are untouched by the disabled window.
func (s *Service) Enable(name string) error { return s.setEnabled(name, true) }

// Disable suppresses ticks for the task until Enable. Nothing is queued for
// the disabled window.
func (s *Service) Disable(name string) error { return s.setEnabled(name, false) }

func (s *Service) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	t.enabled = enabled
	return nil
}

// Remove deregisters the task entirely. It reports whether anything was
// removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	delete(s.tasks, name)
	return true
}

// RunNow triggers exactly one invocation of the task through the normal
// retry/stats/history path, regardless of the enabled flag and regardless of
// whether Start was ever called. It runs synchronously and returns the
// terminal outcome. An invocation already in flight yields ErrAlreadyRunning
// (the no-overlap invariant holds on every execution path).
func (s *Service) RunNow(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	if !t.state.tryAcquire() {
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, name)
	}
	defer t.state.release()
	return s.execute(ctx, t)
}

// tickJob wraps a task name as a cron job. The closure resolves the task at
// tick time so Remove wins over a queued fire.
func (s *Service) tickJob(name string) cron.Job {
	return cron.FuncJob(func() { s.tick(name) })
}

func (s *Service) tick(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	var ctx context.Context
	if ok {
		ctx = s.runCtx
	}
	enabled := ok && t.enabled
	s.mu.Unlock()

	if !ok {
		return
	}
	if !enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !t.state.tryAcquire() {
		s.log.Debug("tick skipped, previous run still settling", logx.String("task", name))
		s.publish("task.skipped", TaskEvent{Name: name, Started: time.Now()})
		return
	}
	defer t.state.release()

	_ = s.execute(ctx, t)
}
