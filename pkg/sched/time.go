package sched

import "time"

// Time is a point on a scheduler's timeline, in nanoseconds.
//
// For the hard scheduler it is anchored to the wall clock; for the soft
// scheduler it is purely logical and starts wherever the caller says.
// The zero value is a valid instant.
type Time int64

// TimeOf converts a wall-clock instant to scheduler time.
func TimeOf(t time.Time) Time { return Time(t.UnixNano()) }

// Add returns t shifted by d.
func (t Time) Add(d time.Duration) Time { return t + Time(d) }

// Sub returns the duration t-u.
func (t Time) Sub(u Time) time.Duration { return time.Duration(t - u) }

func (t Time) Before(u Time) bool { return t < u }
func (t Time) After(u Time) bool  { return t > u }

// Wall converts scheduler time back to a wall-clock instant.
func (t Time) Wall() time.Time { return time.Unix(0, int64(t)) }
