package sched

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields successive execution times. Next reports the first time
// strictly after the given one, or 0 when the schedule is exhausted.
type Schedule interface {
	Next(after Time) Time
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron parses a cron spec (5 or 6 fields, or a descriptor such as
// "@hourly" or "@every 1h") into a Schedule evaluated against wall-clock
// time.
func Cron(spec string) (Schedule, error) {
	s, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return cronSchedule{s: s}, nil
}

type cronSchedule struct{ s cron.Schedule }

func (c cronSchedule) Next(after Time) Time {
	n := c.s.Next(after.Wall())
	if n.IsZero() {
		return 0
	}
	return TimeOf(n)
}

// Every repeats at a fixed period, anchored to theoretical times so the
// cadence does not drift under execution lag.
func Every(period time.Duration) Schedule {
	return everySchedule{period: period}
}

type everySchedule struct{ period time.Duration }

func (e everySchedule) Next(after Time) Time {
	if e.period <= 0 {
		return 0
	}
	return after.Add(e.period)
}

// Times runs once at each given instant, earliest first, then exhausts.
func Times(at ...Time) Schedule {
	out := make([]Time, len(at))
	copy(out, at)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return timesSchedule{at: out}
}

type timesSchedule struct{ at []Time }

func (t timesSchedule) Next(after Time) Time {
	for _, v := range t.at {
		if v.After(after) {
			return v
		}
	}
	return 0
}

// NewScheduled builds a Routine that re-arms itself according to sch after
// every successful run. A next time requested by the body itself wins over
// the schedule; once sch is exhausted the routine finishes normally.
func NewScheduled(name string, sch Schedule, hooks Hooks) *Routine {
	inner := hooks.Run
	hooks.Run = func(ctx context.Context, s *Scheduling) error {
		var err error
		if inner != nil {
			err = inner(ctx, s)
		}
		if err != nil || s == nil || s.NextTimeSet() {
			return err
		}
		if next := sch.Next(s.TheoreticalTime()); next != 0 {
			s.SetNextTime(next)
		}
		return nil
	}
	return NewRoutine(name, hooks)
}
