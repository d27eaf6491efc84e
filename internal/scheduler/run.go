package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/Soulfra/agent-router-sub013/internal/eventbus"
	logx "github.com/Soulfra/agent-router-sub013/pkg/logx"
)

// execute drives one invocation of t to a terminal outcome: attempt loop with
// fixed-delay retries, stats mutation, history append, event publication.
// The caller holds t's runState. Only terminal errors are returned; they are
// never re-thrown into the tick loop by tick().
func (s *Service) execute(ctx context.Context, t *task) error {
	start := time.Now()
	runID := uuid.NewString()

	s.mu.Lock()
	t.stats.Runs++
	t.stats.LastRun = start
	retries := t.opt.MaxRetries
	delay := t.opt.RetryDelay
	s.mu.Unlock()

	s.log.Debug("task started", logx.String("task", t.name), logx.String("run", runID))
	s.publish("task.started", TaskEvent{RunID: runID, Name: t.name, Started: start})

	var err error
	attempts := 0
	maxAttempts := 1 + retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, t)
		if err == nil || attempt >= maxAttempts {
			break
		}

		// Fixed delay between attempts, by contract. Not a backoff curve.
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ctx.Err()
				goto terminal
			case <-tmr.C:
			}
		}
	}

terminal:
	dur := time.Since(start)
	now := time.Now()

	s.mu.Lock()
	if err != nil {
		t.stats.LastError = err.Error()
		t.stats.ConsecutiveFailures++
	} else {
		t.stats.LastSuccess = now
		t.stats.ConsecutiveFailures = 0
	}
	handler := s.cfg.ErrorHandler
	s.mu.Unlock()

	entry := HistoryEntry{
		RunID:     runID,
		Task:      t.name,
		Status:    StatusSuccess,
		Started:   start,
		Duration:  dur,
		Attempts:  attempts,
		Timestamp: now,
	}
	if err != nil {
		entry.Status = StatusError
		entry.Err = err.Error()
	}
	s.appendHistory(entry)

	if err != nil {
		s.failWarn.Warn("task failed",
			logx.String("task", t.name),
			logx.String("run", runID),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur),
			logx.Err(err))
		s.publish("task.failed", TaskEvent{RunID: runID, Name: t.name, Started: start, Duration: dur, Attempts: attempts, Error: err.Error()})
		if handler != nil {
			handler.HandleTaskError(t.name, err)
		}
		return err
	}

	s.log.Debug("task completed",
		logx.String("task", t.name),
		logx.String("run", runID),
		logx.Int("attempts", attempts),
		logx.Duration("dur", dur))
	s.publish("task.finished", TaskEvent{RunID: runID, Name: t.name, Started: start, Duration: dur, Attempts: attempts})
	return nil
}

// runAttempt invokes the body once, converting panics to errors so one bad
// task can't take down the tick loop.
func (s *Service) runAttempt(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked",
				logx.String("task", t.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.job(ctx)
}

func (s *Service) appendHistory(entry HistoryEntry) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, entry)
	if size := s.cfg.HistorySize; len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
