package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttled wraps a Logger with a token-bucket limit on Warn/Error output.
//
// Components that can fail on every tick (retry loops, enqueue failures)
// use this so a persistent fault doesn't flood the sinks. Suppressed
// messages are counted and surfaced on the next allowed line.
type Throttled struct {
	l   Logger
	lim *rate.Limiter

	suppressed atomic.Uint64
}

// NewThrottled allows at most perSec messages per second (burst of the same
// size, minimum 1).
func NewThrottled(l Logger, perSec int) *Throttled {
	if perSec < 1 {
		perSec = 1
	}
	return &Throttled{l: l, lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (t *Throttled) Warn(msg string, fields ...Field) {
	if t == nil {
		return
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	t.l.Warn(msg, fields...)
}

func (t *Throttled) Error(msg string, fields ...Field) {
	if t == nil {
		return
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	t.l.Error(msg, fields...)
}
