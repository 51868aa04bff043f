package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "chrono/pkg/logx"
)

// Schedulable is a unit of work an engine can execute. The context is the
// engine's run context; it ends when the engine is torn down, so bodies
// doing slow work should honor it.
type Schedulable interface {
	Run(ctx context.Context) error
}

// Cancellable is a Schedulable that accepts an out-of-band cancellation
// notice. OnCancel may arrive from any goroutine, including synchronously
// from the task's own Run (a repeating task cancelling itself), and should
// tolerate being called more than once.
type Cancellable interface {
	Schedulable
	OnCancel()
}

// SelfScheduling is a Schedulable that receives its Scheduling context
// before each execution, letting it inspect timing and request
// re-execution.
type SelfScheduling interface {
	Schedulable
	SetScheduling(s *Scheduling)
}

// Func adapts a plain function to Schedulable.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Labeler optionally names a task for logs and bus events.
type Labeler interface {
	Label() string
}

func labelOf(task Schedulable) string {
	if l, ok := task.(Labeler); ok {
		if s := l.Label(); s != "" {
			return s
		}
	}
	return fmt.Sprintf("%T", task)
}

// TaskEvent is the payload attached to task lifecycle bus events.
type TaskEvent struct {
	Task        string        `json:"task"`
	Seq         uint64        `json:"seq"`
	Theoretical int64         `json:"theoretical_ns"`
	Actual      int64         `json:"actual_ns,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// runBody executes a task body with panic containment. A panic becomes an
// ordinary error so a misbehaving task never kills the engine running it.
func runBody(ctx context.Context, task Schedulable, log logx.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			if !log.IsZero() {
				log.Error("task panicked",
					logx.String("task", labelOf(task)),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
			}
		}
	}()
	return task.Run(ctx)
}
