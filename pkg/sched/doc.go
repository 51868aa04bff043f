// Package sched is a time-based task scheduling engine with two execution
// models sharing one task abstraction:
//
//   - Hard: concurrent, driven by wall-clock time and a pool of worker
//     goroutines. Workers park until the next deadline and wake early when
//     an earlier submission or a shutdown arrives.
//   - Soft: deterministic, driven by a settable logical clock on a single
//     goroutine. Callers drive time forward explicitly, which makes runs
//     reproducible for tests and simulations.
//
// Both engines consume the same queue, ordered by (theoretical time,
// submission sequence), and hand each execution a fresh Scheduling context
// through which the task reads timing and may request re-execution.
//
// Tasks implement Schedulable; the optional Cancellable and SelfScheduling
// interfaces add out-of-band cancellation and access to the Scheduling
// context. Routine wraps all three behind a begin/run/end/done lifecycle.
package sched
