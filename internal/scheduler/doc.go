// Package scheduler owns the registry of named recurring tasks and drives
// their execution: interval ticks via a cron runner, per-task no-overlap
// gating, fixed-delay retries, stats, and a bounded run history.
//
// Execution is deliberately non-preemptive: Stop() halts future ticks but an
// invocation already in flight runs to completion.
package scheduler
