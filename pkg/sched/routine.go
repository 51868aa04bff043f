package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "chrono/pkg/logx"
)

// Hooks are the extension points of a Routine's lifecycle. Every hook is
// optional; a nil hook is skipped.
type Hooks struct {
	// OnBegin runs once before the first execution of a cycle. An error
	// aborts the cycle: the body never runs, OnEnd and OnDone still do.
	OnBegin func(s *Scheduling) error

	// Run is the repeatable body. Requesting a next time through s re-arms
	// the routine; returning an error ends the cycle (the routine becomes
	// done, not cancelled).
	Run func(ctx context.Context, s *Scheduling) error

	// OnEnd runs exactly once when the cycle ends, before OnDone.
	OnEnd func() error

	// OnDone runs exactly once after OnEnd, however the cycle ended.
	OnDone func() error
}

type routineState uint8

const (
	statePending routineState = iota
	stateBeginActive
	stateRepeating
	stateEndActive
	stateDoneActive
	stateDone
)

func (s routineState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateBeginActive:
		return "on-begin-active"
	case stateRepeating:
		return "repeating"
	case stateEndActive:
		return "on-end-active"
	case stateDoneActive:
		return "on-done-active"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Routine drives the begin/run/end/done lifecycle around a set of Hooks.
// It implements every scheduler capability: it runs, it cancels, and it
// re-schedules itself through its Scheduling context.
//
// The state machine is pending, on-begin-active, repeating, on-end-active,
// on-done-active, done. done is terminal: once reached no hook fires
// again, and OnEnd and OnDone each fired exactly once for the cycle no
// matter how it ended (completion, error, panic, or cancellation).
type Routine struct {
	name  string
	hooks Hooks
	log   logx.Logger

	mu        sync.Mutex
	state     routineState
	cancelled bool
	sc        *Scheduling
	execGoid  uint64
}

func NewRoutine(name string, hooks Hooks) *Routine {
	return &Routine{name: name, hooks: hooks}
}

// SetLogger installs a logger for hook panics and cancel cleanup errors.
func (r *Routine) SetLogger(log logx.Logger) { r.log = log }

// Label implements Labeler.
func (r *Routine) Label() string { return r.name }

// SetScheduling implements SelfScheduling. The engine calls it before each
// execution.
func (r *Routine) SetScheduling(s *Scheduling) {
	r.mu.Lock()
	r.sc = s
	r.mu.Unlock()
}

// Run implements Schedulable. A routine belongs in at most one pending
// record at a time; submitting one twice would overlap its executions on
// the hard scheduler.
func (r *Routine) Run(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case stateDone, stateEndActive, stateDoneActive:
		r.mu.Unlock()
		return nil
	}
	first := r.state == statePending
	cancelled := r.cancelled
	sc := r.sc
	r.execGoid = goid()
	r.mu.Unlock()

	if cancelled {
		return r.finish(nil)
	}

	if first {
		r.mu.Lock()
		r.state = stateBeginActive
		r.mu.Unlock()

		if err := r.invoke("begin", func() error {
			if r.hooks.OnBegin == nil {
				return nil
			}
			return r.hooks.OnBegin(sc)
		}); err != nil {
			return r.finish(err)
		}

		r.mu.Lock()
		switch r.state {
		case stateDone, stateEndActive, stateDoneActive:
			// OnBegin cancelled the routine itself.
			r.mu.Unlock()
			return nil
		}
		cancelled = r.cancelled
		if !cancelled {
			r.state = stateRepeating
		}
		r.mu.Unlock()

		if cancelled {
			return r.finish(nil)
		}
	}

	runErr := r.invoke("run", func() error {
		if r.hooks.Run == nil {
			return nil
		}
		return r.hooks.Run(ctx, sc)
	})

	r.mu.Lock()
	cancelled = r.cancelled
	finished := r.state == stateDone || r.state == stateEndActive || r.state == stateDoneActive
	rearm := runErr == nil && !cancelled && !finished && sc != nil && sc.NextTimeSet()
	if rearm {
		r.execGoid = 0
	}
	r.mu.Unlock()

	if rearm {
		return nil
	}
	if sc != nil {
		sc.clearNext()
	}
	if finished {
		// The body cancelled the routine itself; end and done already ran.
		return runErr
	}
	return r.finish(runErr)
}

// Cancel marks the routine cancelled and drives it to done. Safe from any
// goroutine. When an execution is in flight on another goroutine, the
// finishing work is left to that goroutine after the body returns; the
// body never runs again either way.
func (r *Routine) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	switch r.state {
	case stateDone, stateEndActive, stateDoneActive:
		r.mu.Unlock()
		return
	}
	gid := r.execGoid
	sc := r.sc
	r.mu.Unlock()

	if gid != 0 && gid != goid() {
		return
	}
	if sc != nil {
		sc.clearNext()
	}
	if err := r.finish(nil); err != nil && !r.log.IsZero() {
		r.log.Warn("routine cancel cleanup failed",
			logx.String("routine", r.name),
			logx.Err(err),
		)
	}
}

// OnCancel implements Cancellable.
func (r *Routine) OnCancel() { r.Cancel() }

// Reset re-arms a finished routine for a fresh cycle. Valid only when the
// routine is pending or done.
func (r *Routine) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != statePending && r.state != stateDone {
		return fmt.Errorf("routine %q: reset while %s", r.name, r.state)
	}
	r.state = statePending
	r.cancelled = false
	r.sc = nil
	r.execGoid = 0
	return nil
}

// State reports the current lifecycle state name.
func (r *Routine) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}

// Done reports whether the routine reached its terminal state.
func (r *Routine) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateDone
}

// Cancelled reports whether cancellation was ever requested.
func (r *Routine) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// finish drives the end/done tail exactly once. Errors from OnEnd and
// OnDone are joined onto cause; the routine reaches done regardless.
func (r *Routine) finish(cause error) error {
	r.mu.Lock()
	switch r.state {
	case stateDone, stateEndActive, stateDoneActive:
		r.mu.Unlock()
		return cause
	}
	r.state = stateEndActive
	r.mu.Unlock()

	endErr := r.invoke("end", func() error {
		if r.hooks.OnEnd == nil {
			return nil
		}
		return r.hooks.OnEnd()
	})

	r.mu.Lock()
	r.state = stateDoneActive
	r.mu.Unlock()

	doneErr := r.invoke("done", func() error {
		if r.hooks.OnDone == nil {
			return nil
		}
		return r.hooks.OnDone()
	})

	r.mu.Lock()
	r.state = stateDone
	r.execGoid = 0
	r.mu.Unlock()

	return errors.Join(cause, endErr, doneErr)
}

// invoke runs one hook with panic containment. A panic becomes an error
// and never leaves the routine in a non-terminal state.
func (r *Routine) invoke(phase string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panic: %v", phase, rec)
			if !r.log.IsZero() {
				r.log.Error("routine hook panicked",
					logx.String("routine", r.name),
					logx.String("phase", phase),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
			}
		}
	}()
	return fn()
}
