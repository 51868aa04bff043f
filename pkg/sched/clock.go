package sched

import (
	"sync"
	"time"
)

// Clock is the time source an engine schedules against.
type Clock interface {
	Now() Time
}

// RealClock reads wall-clock time. Readings are anchored to the monotonic
// reading taken at construction, so they never move backward even if the
// system clock is adjusted.
type RealClock struct {
	base  time.Time
	epoch Time
}

func NewRealClock() *RealClock {
	base := time.Now()
	return &RealClock{base: base, epoch: TimeOf(base)}
}

func (c *RealClock) Now() Time { return c.epoch.Add(time.Since(c.base)) }

// An Advancer intercepts a logical clock's time-advance requests. It may
// perform side effects before returning, such as submitting more work to
// the scheduler driving the clock, and may grant a different time than the
// one requested. The scheduler validates the grant before committing it.
type Advancer interface {
	AdvanceTo(requested Time) Time
}

// AdvancerFunc adapts a function to the Advancer interface.
type AdvancerFunc func(requested Time) Time

func (f AdvancerFunc) AdvanceTo(requested Time) Time { return f(requested) }

// LogicalClock is a settable clock for deterministic scheduling. Time only
// moves when somebody moves it.
type LogicalClock struct {
	mu       sync.Mutex
	now      Time
	advancer Advancer
}

func NewLogicalClock(start Time) *LogicalClock {
	return &LogicalClock{now: start}
}

func (c *LogicalClock) Now() Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set commits t unconditionally, without consulting the advancer.
func (c *LogicalClock) Set(t Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// SetAdvancer installs the interception hook consulted by time-advance
// requests. A nil advancer grants every request as asked.
func (c *LogicalClock) SetAdvancer(a Advancer) {
	c.mu.Lock()
	c.advancer = a
	c.mu.Unlock()
}

// requestAdvance asks the clock to move to requested and reports the time
// granted. Nothing is committed here; the caller validates the grant and
// commits it with Set. The advancer runs outside the clock's lock so it
// may freely read the clock or submit work.
func (c *LogicalClock) requestAdvance(requested Time) Time {
	c.mu.Lock()
	a := c.advancer
	c.mu.Unlock()
	if a == nil {
		return requested
	}
	return a.AdvanceTo(requested)
}
