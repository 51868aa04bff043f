package sched

// Scheduling is the per-execution context handed to a running task. It
// carries the time the task was due (theoretical) and the time execution
// actually began (actual), and accepts a re-schedule request.
//
// A fresh Scheduling is built for every execution. Only the goroutine
// executing the task may mutate it.
type Scheduling struct {
	theoretical Time
	actual      Time
	next        Time
	hasNext     bool
}

func newScheduling(theoretical, actual Time) *Scheduling {
	return &Scheduling{theoretical: theoretical, actual: actual}
}

// TheoreticalTime reports when the task was due to run.
func (s *Scheduling) TheoreticalTime() Time { return s.theoretical }

// ActualTime reports when execution began. It may lag the theoretical time
// under load on the hard scheduler; the soft scheduler keeps the two equal
// by construction.
func (s *Scheduling) ActualTime() Time { return s.actual }

// SetNextTime requests re-execution at t. The engine reads the request
// right after the task body returns; the last call before returning wins.
func (s *Scheduling) SetNextTime(t Time) {
	s.next = t
	s.hasNext = true
}

// NextTimeSet reports whether re-execution has been requested.
func (s *Scheduling) NextTimeSet() bool { return s.hasNext }

// NextTime reports the requested re-execution time. Meaningful only when
// NextTimeSet reports true.
func (s *Scheduling) NextTime() Time { return s.next }

func (s *Scheduling) clearNext() {
	s.next = 0
	s.hasNext = false
}
