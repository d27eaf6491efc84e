package scheduler

import "errors"

var (
	ErrTaskExists     = errors.New("task already scheduled")
	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyRunning = errors.New("task invocation already in flight")
)
