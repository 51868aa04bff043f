package sched

import (
	"testing"
	"time"
)

func TestTimeConversions(t *testing.T) {
	t.Parallel()
	wall := time.Date(2026, 3, 14, 9, 26, 53, 589, time.UTC)
	st := TimeOf(wall)
	if !st.Wall().Equal(wall) {
		t.Fatalf("Wall = %v, want %v", st.Wall(), wall)
	}

	base := Time(100)
	if got := base.Add(50 * time.Nanosecond); got != 150 {
		t.Fatalf("Add = %d, want 150", got)
	}
	if got := base.Sub(40); got != 60*time.Nanosecond {
		t.Fatalf("Sub = %v, want 60ns", got)
	}
	if !base.Before(101) || !base.After(99) || base.Before(100) {
		t.Fatal("Before/After comparisons are wrong")
	}
}

func TestRealClockDoesNotMoveBackward(t *testing.T) {
	t.Parallel()
	c := NewRealClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now.Before(prev) {
			t.Fatalf("clock moved backward: %d after %d", now, prev)
		}
		prev = now
	}
}

func TestRealClockTracksWallTime(t *testing.T) {
	t.Parallel()
	c := NewRealClock()
	got := c.Now().Wall()
	if d := time.Since(got); d < 0 || d > time.Minute {
		t.Fatalf("clock reading %v is too far from wall time", got)
	}
}

func TestLogicalClockSetAndNow(t *testing.T) {
	t.Parallel()
	c := NewLogicalClock(42)
	if got := c.Now(); got != 42 {
		t.Fatalf("Now = %d, want 42", got)
	}
	c.Set(1000)
	if got := c.Now(); got != 1000 {
		t.Fatalf("Now = %d, want 1000", got)
	}
}

func TestLogicalClockAdvanceWithoutAdvancer(t *testing.T) {
	t.Parallel()
	c := NewLogicalClock(10)
	if got := c.requestAdvance(25); got != 25 {
		t.Fatalf("granted = %d, want the requested 25", got)
	}
	// Nothing committed until Set.
	if got := c.Now(); got != 10 {
		t.Fatalf("Now = %d, want 10", got)
	}
}

func TestLogicalClockAdvancerIntercepts(t *testing.T) {
	t.Parallel()
	c := NewLogicalClock(10)
	var seen Time
	c.SetAdvancer(AdvancerFunc(func(requested Time) Time {
		seen = requested
		return requested - 3
	}))

	if got := c.requestAdvance(20); got != 17 {
		t.Fatalf("granted = %d, want 17", got)
	}
	if seen != 20 {
		t.Fatalf("advancer saw %d, want 20", seen)
	}

	c.SetAdvancer(nil)
	if got := c.requestAdvance(20); got != 20 {
		t.Fatalf("granted = %d, want 20 after removing the advancer", got)
	}
}
