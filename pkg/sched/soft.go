package sched

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"chrono/internal/eventbus"
	logx "chrono/pkg/logx"
)

// SoftConfig configures the deterministic logical-time engine.
type SoftConfig struct {
	// Clock defaults to a fresh LogicalClock starting at 0.
	Clock *LogicalClock

	// SynchronousASAP makes Execute run the task inline instead of
	// enqueueing it at the current logical time. Inline dispatch is
	// rejected before the first Start, when no time basis exists yet.
	SynchronousASAP bool

	// OnTaskError receives task body failures. Defaults to a log warning.
	// Failures never stop the loop.
	OnTaskError func(task Schedulable, err error)

	Log logx.Logger
	Bus eventbus.Bus
}

// Soft is the deterministic scheduler. A single goroutine, the caller's
// while Start runs, drives the loop; time moves only through the
// time-advance protocol against the logical clock, so theoretical and
// actual times are always equal. Apart from Stop and the affinity check,
// all methods belong to that one goroutine.
type Soft struct {
	cfg SoftConfig
	log logx.Logger
	bus eventbus.Bus

	clock *LogicalClock
	q     *taskQueue

	started bool // some Start established a time basis, latched
	running bool
	runCtx  context.Context

	loopGoid atomic.Uint64
	stopReq  atomic.Bool

	ran    uint64
	failed uint64
}

func NewSoft(cfg SoftConfig) *Soft {
	if cfg.Clock == nil {
		cfg.Clock = NewLogicalClock(0)
	}
	return &Soft{
		cfg:   cfg,
		log:   cfg.Log,
		bus:   cfg.Bus,
		clock: cfg.Clock,
		q:     newTaskQueue(),
	}
}

// Now reports the committed logical time.
func (s *Soft) Now() Time { return s.clock.Now() }

// Clock exposes the logical clock, typically to install an Advancer.
func (s *Soft) Clock() *LogicalClock { return s.clock }

// Len reports the number of pending records.
func (s *Soft) Len() int { return s.q.len() }

// Start drives the loop on the calling goroutine until the queue empties,
// Stop is requested, ctx ends, or a time-advance grant breaks the
// ordering rules. Submissions and cancellations made by running tasks or
// by the clock's advancer are visible to the very next queue inspection.
// Start may be called again after it returns; the time basis persists.
func (s *Soft) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.running {
		return fmt.Errorf("%w: loop already running", ErrRejected)
	}
	s.running = true
	s.started = true
	s.stopReq.Store(false)
	s.runCtx = ctx
	s.loopGoid.Store(goid())
	s.publish(eventbus.SchedulerStarted, nil)
	defer func() {
		s.loopGoid.Store(0)
		s.runCtx = nil
		s.running = false
		s.publish(eventbus.SchedulerShutdown, nil)
	}()

	for {
		if s.stopReq.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r := s.q.peek()
		if r == nil {
			return nil
		}
		now := s.clock.Now()
		if r.at.Before(now) {
			return illegalTimef("pending record at %d is before committed time %d", r.at, now)
		}
		if r.at == now {
			s.q.pop()
			s.execOne(ctx, r.task, r.at, r.seq)
			continue
		}
		if err := s.advance(r.at); err != nil {
			return err
		}
	}
}

// Stop requests a cooperative stop, honored between task executions. Safe
// to call from a running task or another goroutine.
func (s *Soft) Stop() { s.stopReq.Store(true) }

// Execute submits task at the current logical time or, when
// SynchronousASAP is set, runs it inline before returning.
func (s *Soft) Execute(task Schedulable) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrRejected)
	}
	if !s.cfg.SynchronousASAP {
		return s.ExecuteAt(task, s.clock.Now())
	}
	if !s.started {
		return fmt.Errorf("%w: synchronous dispatch before first start", ErrRejected)
	}
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.execOne(ctx, task, s.clock.Now(), s.q.seq.Add(1))
	return nil
}

// ExecuteAt submits task to run at t. Logical time has no slack to absorb
// lateness: t must not be before the committed time.
func (s *Soft) ExecuteAt(task Schedulable, t Time) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrRejected)
	}
	if now := s.clock.Now(); t.Before(now) {
		return illegalTimef("submission at %d is before committed time %d", t, now)
	}
	s.q.insert(task, t)
	return nil
}

// ExecuteAfter submits task to run delay after the committed time.
// Negative delays are illegal here, unlike on the hard scheduler.
func (s *Soft) ExecuteAfter(task Schedulable, delay time.Duration) error {
	return s.ExecuteAt(task, s.clock.Now().Add(delay))
}

// Cancel removes every queued record for task, notifying it once if it is
// cancellable. Cancelling the record a pending advance was aiming at also
// legalizes grants beyond that time.
func (s *Soft) Cancel(task Schedulable) bool {
	removed := s.q.removeTask(task)
	for _, r := range removed {
		r.cancelled = true
	}
	if len(removed) == 0 {
		return false
	}
	if c, ok := task.(Cancellable); ok {
		c.OnCancel()
	}
	for _, r := range removed {
		s.publish(eventbus.TaskCancelled, TaskEvent{Task: labelOf(r.task), Seq: r.seq, Theoretical: int64(r.at)})
	}
	return true
}

// IsWorkerThread reports whether the calling goroutine is the one driving
// Start right now.
func (s *Soft) IsWorkerThread() bool {
	gid := s.loopGoid.Load()
	return gid != 0 && gid == goid()
}

// CheckWorkerThread fails with ErrConcurrencyMisuse unless called from the
// loop goroutine.
func (s *Soft) CheckWorkerThread() error { return CheckWorkerThread(s) }

// CheckNotWorkerThread fails with ErrConcurrencyMisuse when called from
// the loop goroutine.
func (s *Soft) CheckNotWorkerThread() error { return CheckNotWorkerThread(s) }

// advance runs one round of the time-advance protocol: ask the clock for
// target, validate the grant, then commit it. The advancer may have
// submitted or cancelled work in between, so the grant is checked against
// the queue as it stands afterwards:
//   - a grant before the committed time is illegal
//   - with pending work, only the new earliest time may be granted;
//     anything earlier stalls the loop, anything later skips over work
//   - with no pending work left, any grant at or past the committed time
//     commits
func (s *Soft) advance(target Time) error {
	committed := s.clock.Now()
	granted := s.clock.requestAdvance(target)
	if granted.Before(committed) {
		return illegalTimef("granted %d is before committed time %d", granted, committed)
	}
	if r := s.q.peek(); r != nil && granted != r.at {
		if granted.After(r.at) {
			return illegalTimef("granted %d skips pending work at %d", granted, r.at)
		}
		return illegalTimef("granted %d stops short of pending work at %d", granted, r.at)
	}
	s.clock.Set(granted)
	return nil
}

func (s *Soft) execOne(ctx context.Context, task Schedulable, at Time, seq uint64) {
	sc := newScheduling(at, at)
	label := labelOf(task)

	if ss, ok := task.(SelfScheduling); ok {
		ss.SetScheduling(sc)
	}

	s.publish(eventbus.TaskStarted, TaskEvent{
		Task: label, Seq: seq,
		Theoretical: int64(at), Actual: int64(at),
	})

	start := time.Now()
	err := runBody(ctx, task, s.log)
	elapsed := time.Since(start)

	if err != nil {
		s.failed++
		s.onTaskError(task, err)
		s.publish(eventbus.TaskFailed, TaskEvent{
			Task: label, Seq: seq,
			Theoretical: int64(at), Actual: int64(at),
			Duration: elapsed, Error: err.Error(),
		})
	} else {
		s.ran++
		s.publish(eventbus.TaskFinished, TaskEvent{
			Task: label, Seq: seq,
			Theoretical: int64(at), Actual: int64(at),
			Duration: elapsed,
		})
	}

	if sc.NextTimeSet() {
		next := sc.NextTime()
		if now := s.clock.Now(); next.Before(now) {
			// A re-arm into the past cannot be clamped on a logical
			// timeline. Report it and drop the re-arm; the loop lives on.
			s.onTaskError(task, illegalTimef("re-arm at %d is before committed time %d", next, now))
			return
		}
		s.q.insert(task, next)
	}
}

func (s *Soft) onTaskError(task Schedulable, err error) {
	if s.cfg.OnTaskError != nil {
		s.cfg.OnTaskError(task, err)
		return
	}
	if !s.log.IsZero() {
		s.log.Warn("task failed", logx.String("task", labelOf(task)), logx.Err(err))
	}
}

func (s *Soft) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
