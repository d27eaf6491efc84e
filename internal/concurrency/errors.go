package concurrency

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAgentNotRegistered = errors.New("agent not registered")
	ErrNoCandidates       = errors.New("no candidate agents")
)

// TimeoutError reports that a balancer request gave up waiting for a permit.
//
// It is distinguishable from a task-body error via errors.As and carries no
// retry semantics; the caller decides whether to retry.
type TimeoutError struct {
	AgentID  string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %q: no permit within %s", e.AgentID, e.Duration)
}

// Timeout implements the conventional net.Error-style probe.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is a balancer timeout rejection.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
