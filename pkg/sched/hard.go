package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chrono/internal/eventbus"
	logx "chrono/pkg/logx"

	rtsup "chrono/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// HardConfig configures the concurrent wall-clock engine.
type HardConfig struct {
	// Workers is the number of worker goroutines. Defaults to 1.
	Workers int

	// Clock defaults to a RealClock. Swappable for tests.
	Clock Clock

	// LagWarn raises a throttled warning and a lagging event when
	// execution begins this far past the theoretical time. Zero disables
	// the check.
	LagWarn time.Duration

	// OnTaskError receives task body failures. Defaults to a log warning.
	// Failures never terminate a worker.
	OnTaskError func(task Schedulable, err error)

	Log logx.Logger
	Bus eventbus.Bus
}

// Hard is the concurrent scheduler. Workers share one queue under a single
// mutex, execute ready records outside the lock, and park until the
// earliest deadline or a wake broadcast. Distinct pending tasks may run
// concurrently on different workers; one record never runs concurrently
// with itself.
type Hard struct {
	mu  sync.Mutex
	cfg HardConfig
	log logx.Logger
	bus eventbus.Bus

	clock Clock
	q     *taskQueue

	// wake is closed and re-made to broadcast "queue head changed" to
	// every parked worker.
	wake chan struct{}

	shutdown  bool
	executing int
	idleCh    chan struct{}

	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	sup       *rtsup.Supervisor

	workers *workerSet
	lagWarn rate.Sometimes

	ran    uint64
	failed uint64
}

func NewHard(cfg HardConfig) *Hard {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	return &Hard{
		cfg:     cfg,
		log:     cfg.Log,
		bus:     cfg.Bus,
		clock:   cfg.Clock,
		q:       newTaskQueue(),
		wake:    make(chan struct{}),
		workers: newWorkerSet(),
		lagWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
}

// Now reports the scheduler's current time.
func (h *Hard) Now() Time { return h.clock.Now() }

// Start launches the worker pool. Submissions made before Start stay
// queued until workers come up. Start is idempotent.
func (h *Hard) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return fmt.Errorf("%w: scheduler is shut down", ErrRejected)
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.runCtx, h.runCancel = context.WithCancel(ctx)
	h.sup = rtsup.New(h.runCtx,
		rtsup.WithLogger(h.log.With(logx.String("comp", "sched.hard"))),
		// Worker failures must not take the rest of the pool down.
		rtsup.WithCancelOnError(false),
	)
	sup := h.sup
	workers := h.cfg.Workers
	h.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), h.worker)
	}

	if !h.log.IsZero() {
		h.log.Info("hard scheduler started", logx.Int("workers", workers))
	}
	h.publish(eventbus.SchedulerStarted, nil)
	return nil
}

// Execute submits task to run as soon as possible.
func (h *Hard) Execute(task Schedulable) error {
	return h.submit(task, h.clock.Now())
}

// ExecuteAt submits task to run at t. A time already in the past runs as
// soon as a worker is free: wall-clock scheduling absorbs lateness instead
// of rejecting it.
func (h *Hard) ExecuteAt(task Schedulable, t Time) error {
	return h.submit(task, t)
}

// ExecuteAfter submits task to run after delay. Negative delays count as
// zero.
func (h *Hard) ExecuteAfter(task Schedulable, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return h.submit(task, h.clock.Now().Add(delay))
}

func (h *Hard) submit(task Schedulable, at Time) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrRejected)
	}
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		// The task will never run; give cancellables their cleanup signal.
		if c, ok := task.(Cancellable); ok {
			c.OnCancel()
		}
		return fmt.Errorf("%w: scheduler is shut down", ErrRejected)
	}
	if now := h.clock.Now(); at.Before(now) {
		at = now
	}
	r := h.q.insert(task, at)
	if h.q.peek() == r {
		h.wakeAllLocked()
	}
	h.mu.Unlock()
	return nil
}

// Cancel removes every queued record for task, notifying it once if it is
// cancellable. An in-flight execution is not interrupted. Func-typed tasks
// cannot be matched by identity and are left alone.
func (h *Hard) Cancel(task Schedulable) bool {
	h.mu.Lock()
	removed := h.q.removeTask(task)
	for _, r := range removed {
		r.cancelled = true
	}
	h.mu.Unlock()
	if len(removed) == 0 {
		return false
	}
	if c, ok := task.(Cancellable); ok {
		c.OnCancel()
	}
	for _, r := range removed {
		h.publish(eventbus.TaskCancelled, TaskEvent{Task: labelOf(r.task), Seq: r.seq, Theoretical: int64(r.at)})
	}
	return true
}

// Shutdown stops accepting submissions. Queued work still runs at its
// scheduled time; repeating tasks get a cancellation instead of their next
// re-arm. Workers exit once the queue drains.
func (h *Hard) Shutdown() {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	pending := h.q.len()
	h.wakeAllLocked()
	h.mu.Unlock()

	if !h.log.IsZero() {
		h.log.Info("hard scheduler shutting down", logx.Int("pending", pending))
	}
	h.publish(eventbus.SchedulerShutdown, nil)
}

// ShutdownNow stops accepting submissions and discards all queued work.
// Every discarded cancellable task is notified exactly once and its run
// body never executes. In-flight executions keep running, but their
// context is cancelled.
func (h *Hard) ShutdownNow() {
	h.mu.Lock()
	first := !h.shutdown
	h.shutdown = true
	dropped := h.q.drain()
	for _, r := range dropped {
		r.cancelled = true
	}
	h.wakeAllLocked()
	cancel := h.runCancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, r := range dropped {
		if c, ok := r.task.(Cancellable); ok {
			c.OnCancel()
		}
		h.publish(eventbus.TaskCancelled, TaskEvent{Task: labelOf(r.task), Seq: r.seq, Theoretical: int64(r.at)})
	}
	if first || len(dropped) > 0 {
		if !h.log.IsZero() {
			h.log.Info("hard scheduler shut down now", logx.Int("dropped", len(dropped)))
		}
		h.publish(eventbus.SchedulerShutdown, nil)
	}
}

// WaitIdle blocks until no worker is executing a task, or until ctx ends.
// The queue may still hold future work; idle only means nothing is running
// right now.
func (h *Hard) WaitIdle(ctx context.Context) error {
	h.mu.Lock()
	ch := h.idleCh
	h.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every worker goroutine has exited or ctx ends. Call
// Shutdown or ShutdownNow first, or workers will never exit.
func (h *Hard) Wait(ctx context.Context) error {
	h.mu.Lock()
	sup := h.sup
	h.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Wait(ctx)
}

// IsWorkerThread reports whether the calling goroutine is one of this
// scheduler's workers.
func (h *Hard) IsWorkerThread() bool { return h.workers.has(goid()) }

// CheckWorkerThread fails with ErrConcurrencyMisuse unless called from one
// of this scheduler's workers.
func (h *Hard) CheckWorkerThread() error { return CheckWorkerThread(h) }

// CheckNotWorkerThread fails with ErrConcurrencyMisuse when called from
// one of this scheduler's workers.
func (h *Hard) CheckNotWorkerThread() error { return CheckNotWorkerThread(h) }

// HardSnapshot is a point-in-time view for diagnostics.
type HardSnapshot struct {
	Workers   int
	QueueLen  int
	Executing int
	Shutdown  bool
	Ran       uint64
	Failed    uint64
}

func (h *Hard) Snapshot() HardSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HardSnapshot{
		Workers:   h.cfg.Workers,
		QueueLen:  h.q.len(),
		Executing: h.executing,
		Shutdown:  h.shutdown,
		Ran:       h.ran,
		Failed:    h.failed,
	}
}

func (h *Hard) publish(typ string, data any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// wakeAllLocked broadcasts to every parked worker by closing the current
// wake channel and installing a fresh one. Callers hold h.mu.
func (h *Hard) wakeAllLocked() {
	close(h.wake)
	h.wake = make(chan struct{})
}
