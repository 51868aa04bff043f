package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected means a submission cannot be accepted: the scheduler is
	// shut down, or synchronous dispatch was requested before the soft
	// scheduler established a time basis.
	ErrRejected = errors.New("submission rejected")

	// ErrIllegalTime means a requested or granted time would move
	// scheduling backward or reorder pending work.
	ErrIllegalTime = errors.New("illegal time")

	// ErrConcurrencyMisuse means an operation ran on the wrong goroutine,
	// as detected by the worker affinity checks.
	ErrConcurrencyMisuse = errors.New("concurrency misuse")
)

func illegalTimef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalTime, fmt.Sprintf(format, args...))
}
