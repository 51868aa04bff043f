package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chrono/internal/eventbus"
	logx "chrono/pkg/logx"
	"chrono/pkg/sched"
)

const waitFor = 5 * time.Second

func waitTotal(t *testing.T, r *Recorder, want uint64) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for r.Total() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d entries, have %d", want, r.Total())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorderRingSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRecorder(Config{Ring: 4}, nil, logx.Nop())
	for i := 0; i < 6; i++ {
		r.Record(entry(i))
	}

	got := r.Snapshot(10)
	if len(got) != 4 {
		t.Fatalf("Snapshot returned %d entries, want the ring size", len(got))
	}
	for i, want := range []string{"e5", "e4", "e3", "e2"} {
		if got[i].ID != want {
			t.Fatalf("Snapshot[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}

	two := r.Snapshot(2)
	if len(two) != 2 || two[0].ID != "e5" || two[1].ID != "e4" {
		t.Fatalf("Snapshot(2) = %v, want the two newest", two)
	}
	if r.Total() != 6 {
		t.Fatalf("Total = %d, want 6", r.Total())
	}
}

func TestRecorderFillsIDAndTime(t *testing.T) {
	t.Parallel()
	r := NewRecorder(Config{}, nil, logx.Nop())
	r.Record(Entry{Task: "demo", Event: "finished"})

	got := r.Snapshot(1)
	if len(got) != 1 {
		t.Fatalf("Snapshot returned %d entries, want 1", len(got))
	}
	if !strings.HasPrefix(got[0].ID, "exec_") {
		t.Fatalf("ID = %q, want a generated exec_ id", got[0].ID)
	}
	if got[0].At.IsZero() {
		t.Fatal("At must be stamped when missing")
	}
}

func TestRecorderConsumesBusEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := NewRecorder(Config{Ring: 8}, nil, logx.Nop())
	r.Start(bus)
	defer r.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: sched.TaskEvent{Task: "a"}})
	bus.Publish(eventbus.Event{Type: eventbus.SchedulerStarted})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: sched.TaskEvent{Task: "a", Theoretical: 11}})
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: sched.TaskEvent{Task: "b", Error: "boom"}})

	waitTotal(t, r, 2)
	got := r.Snapshot(10)
	if len(got) != 2 {
		t.Fatalf("Snapshot returned %d entries, want only outcome events", len(got))
	}
	if got[0].Event != "failed" || got[0].Task != "b" || got[0].Error != "boom" {
		t.Fatalf("newest entry = %+v, want the failure", got[0])
	}
	if got[1].Event != "finished" || got[1].Theoretical != 11 {
		t.Fatalf("second entry = %+v, want the finish at 11", got[1])
	}
}

func TestRecorderJournalsSoftRun(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := NewRecorder(Config{Ring: 8}, nil, logx.Nop())
	r.Start(bus)
	defer r.Stop()

	boom := errors.New("boom")
	s := sched.NewSoft(sched.SoftConfig{
		Clock:       sched.NewLogicalClock(10),
		Bus:         bus,
		OnTaskError: func(sched.Schedulable, error) {},
	})
	ok := sched.Func(func(context.Context) error { return nil })
	bad := sched.Func(func(context.Context) error { return boom })
	if err := s.ExecuteAt(ok, 11); err != nil {
		t.Fatalf("ExecuteAt error: %v", err)
	}
	if err := s.ExecuteAt(bad, 12); err != nil {
		t.Fatalf("ExecuteAt error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	waitTotal(t, r, 2)
	got := r.Snapshot(10)
	if got[0].Event != "failed" || got[0].Theoretical != 12 {
		t.Fatalf("newest entry = %+v, want the failure at 12", got[0])
	}
	if got[1].Event != "finished" || got[1].Theoretical != 11 {
		t.Fatalf("second entry = %+v, want the finish at 11", got[1])
	}
}

func TestRecorderRecentPrefersStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "chrono.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	r := NewRecorder(Config{Ring: 2}, st, logx.Nop())
	for i := 0; i < 4; i++ {
		r.Record(entry(i))
	}

	// The ring holds two entries, the store all four.
	got, err := r.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Recent returned %d entries, want the persisted history", len(got))
	}
	for i := 0; i < 4; i++ {
		if want := fmt.Sprintf("e%d", 3-i); got[i].ID != want {
			t.Fatalf("Recent[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestRecorderStopIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRecorder(Config{}, nil, logx.Nop())
	// Stop before Start is a no-op.
	r.Stop()

	bus := eventbus.New()
	r.Start(bus)
	r.Stop()
	r.Stop()
}
