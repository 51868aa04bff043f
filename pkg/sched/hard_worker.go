package sched

import (
	"context"
	"time"

	"chrono/internal/eventbus"
	logx "chrono/pkg/logx"
)

// worker is one pool goroutine. It pops ready records and executes them
// outside the lock, or parks until the earliest deadline, a wake
// broadcast, or the run context ends. Returning nil stops the supervisor's
// restart loop for good.
func (h *Hard) worker(ctx context.Context) error {
	id := goid()
	h.workers.add(id)
	defer h.workers.remove(id)

	for {
		h.mu.Lock()
		if ctx.Err() != nil || (h.shutdown && h.q.len() == 0) {
			h.mu.Unlock()
			return nil
		}
		r := h.q.peek()
		if r == nil {
			wake := h.wake
			h.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}
			continue
		}
		now := h.clock.Now()
		if r.at.After(now) {
			wake := h.wake
			h.mu.Unlock()
			timer := time.NewTimer(r.at.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		h.q.pop()
		h.executing++
		if h.executing == 1 {
			h.idleCh = make(chan struct{})
		}
		h.mu.Unlock()

		h.execOne(ctx, r, now)

		h.mu.Lock()
		h.executing--
		if h.executing == 0 && h.idleCh != nil {
			close(h.idleCh)
			h.idleCh = nil
		}
		h.mu.Unlock()
	}
}

// execOne runs one record end to end: lag check, context handoff for
// self-scheduling tasks, the body with panic containment, failure routing,
// and the re-arm decision.
func (h *Hard) execOne(ctx context.Context, r *record, actual Time) {
	sc := newScheduling(r.at, actual)
	label := labelOf(r.task)

	if lag := actual.Sub(r.at); h.cfg.LagWarn > 0 && lag > h.cfg.LagWarn {
		h.lagWarn.Do(func() {
			if !h.log.IsZero() {
				h.log.Warn("task start lagging",
					logx.String("task", label),
					logx.Duration("lag", lag),
				)
			}
		})
		h.publish(eventbus.TaskLagging, TaskEvent{
			Task: label, Seq: r.seq,
			Theoretical: int64(r.at), Actual: int64(actual),
			Duration: lag,
		})
	}

	if ss, ok := r.task.(SelfScheduling); ok {
		ss.SetScheduling(sc)
	}

	h.publish(eventbus.TaskStarted, TaskEvent{
		Task: label, Seq: r.seq,
		Theoretical: int64(r.at), Actual: int64(actual),
	})

	start := time.Now()
	err := runBody(ctx, r.task, h.log)
	elapsed := time.Since(start)

	if err != nil {
		h.onTaskError(r.task, err)
		h.publish(eventbus.TaskFailed, TaskEvent{
			Task: label, Seq: r.seq,
			Theoretical: int64(r.at), Actual: int64(actual),
			Duration: elapsed, Error: err.Error(),
		})
	} else {
		h.publish(eventbus.TaskFinished, TaskEvent{
			Task: label, Seq: r.seq,
			Theoretical: int64(r.at), Actual: int64(actual),
			Duration: elapsed,
		})
	}

	h.mu.Lock()
	if err != nil {
		h.failed++
	} else {
		h.ran++
	}
	h.mu.Unlock()

	if sc.NextTimeSet() {
		h.resubmit(r.task, sc.NextTime())
	}
}

// resubmit re-enqueues a task whose execution requested a next time. The
// fresh sequence number keeps resubmissions FIFO-fair against other work
// at the same time. After shutdown the re-arm is discarded and the task is
// cancelled instead, so repeating tasks finish their lifecycle.
func (h *Hard) resubmit(task Schedulable, at Time) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		if c, ok := task.(Cancellable); ok {
			c.OnCancel()
		}
		h.publish(eventbus.TaskCancelled, TaskEvent{Task: labelOf(task), Theoretical: int64(at)})
		return
	}
	if now := h.clock.Now(); at.Before(now) {
		at = now
	}
	r := h.q.insert(task, at)
	if h.q.peek() == r {
		h.wakeAllLocked()
	}
	h.mu.Unlock()
}

func (h *Hard) onTaskError(task Schedulable, err error) {
	if h.cfg.OnTaskError != nil {
		h.cfg.OnTaskError(task, err)
		return
	}
	if !h.log.IsZero() {
		h.log.Warn("task failed", logx.String("task", labelOf(task)), logx.Err(err))
	}
}
