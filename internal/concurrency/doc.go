// Package concurrency provides the bounded-concurrency primitives the rest
// of the router is built on: a FIFO counting semaphore (and its binary
// Mutex form), a sliding-window rate limiter, and a per-agent load
// balancer that composes one semaphore per registered agent.
//
// All primitives are single-process and in-memory. They never log on their
// own hot paths and expose no network or storage surface; callers wire
// their counters and errors into whatever observability they use.
package concurrency
