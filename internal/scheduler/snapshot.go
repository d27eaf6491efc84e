package scheduler

import "fmt"

// TaskStats returns a copy of one task's stats.
func (s *Service) TaskStats(name string) (TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return TaskStats{}, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return t.stats, nil
}

// Enabled reports whether the named task currently accepts ticks.
func (s *Service) Enabled(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	return t.enabled, nil
}

// Snapshot returns the running flag plus per-task stats for every task.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make(map[string]TaskStats, len(s.tasks))
	for name, t := range s.tasks {
		tasks[name] = t.stats
	}
	return Snapshot{
		Running:   s.c != nil,
		TaskCount: len(s.tasks),
		Tasks:     tasks,
	}
}

// History returns up to limit of the most recent terminal outcomes, oldest
// first. limit <= 0 returns everything retained.
func (s *Service) History(limit int) []HistoryEntry {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out
}
