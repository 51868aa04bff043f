package daemon

import (
	"context"
	"strings"
	"testing"
	"time"

	"chrono/internal/config"
	"chrono/internal/eventbus"
	logx "chrono/pkg/logx"
	"chrono/pkg/sched"
)

const waitFor = 5 * time.Second

// newTestTable wires an engine and a table the way the daemon does,
// including the revive-on-failure handler.
func newTestTable(t *testing.T, workers int, bus eventbus.Bus) (*sched.Hard, *Table) {
	t.Helper()
	var table *Table
	engine := sched.NewHard(sched.HardConfig{
		Workers: workers,
		Bus:     bus,
		OnTaskError: func(task sched.Schedulable, err error) {
			if table != nil {
				table.Revive(task)
			}
		},
	})
	table = NewTable(engine, logx.Nop())
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		engine.ShutdownNow()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = engine.Wait(ctx)
	})
	return engine, table
}

// awaitEvents consumes the bus subscription until want events of the given
// type arrived.
func awaitEvents(t *testing.T, events <-chan eventbus.Event, typ string, want int) {
	t.Helper()
	deadline := time.After(waitFor)
	seen := 0
	for seen < want {
		select {
		case e := <-events:
			if e.Type == typ {
				seen++
			}
		case <-deadline:
			t.Fatalf("saw %d %q events, want %d", seen, typ, want)
		}
	}
}

func TestTableApplyArmsAndRetires(t *testing.T) {
	t.Parallel()

	engine, table := newTestTable(t, 1, nil)

	a := config.ScheduleConfig{Name: "a", Every: config.Duration(time.Hour), Command: []string{"true"}}
	b := config.ScheduleConfig{Name: "b", Every: config.Duration(2 * time.Hour), Command: []string{"true"}}
	table.Apply([]config.ScheduleConfig{a, b})
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}
	if qn := engine.Snapshot().QueueLen; qn != 2 {
		t.Fatalf("QueueLen = %d, want 2", qn)
	}

	// b removed; a edited, which re-arms it under the new definition
	a2 := a
	a2.Every = config.Duration(30 * time.Minute)
	table.Apply([]config.ScheduleConfig{a2})
	if table.Len() != 1 {
		t.Fatalf("Len after edit = %d, want 1", table.Len())
	}
	if qn := engine.Snapshot().QueueLen; qn != 1 {
		t.Fatalf("QueueLen after edit = %d, want 1", qn)
	}

	table.Clear()
	if table.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", table.Len())
	}
	if qn := engine.Snapshot().QueueLen; qn != 0 {
		t.Fatalf("QueueLen after Clear = %d, want 0", qn)
	}
}

func TestTableSkipsDisabledSchedules(t *testing.T) {
	t.Parallel()

	_, table := newTestTable(t, 1, nil)
	table.Apply([]config.ScheduleConfig{
		{Name: "off", Every: config.Duration(time.Hour), Command: []string{"true"}, Disabled: true},
	})
	if table.Len() != 0 {
		t.Fatalf("Len = %d, want 0", table.Len())
	}

	// Disabling an armed schedule retires it.
	table.Apply([]config.ScheduleConfig{{Name: "on", Every: config.Duration(time.Hour), Command: []string{"true"}}})
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
	table.Apply([]config.ScheduleConfig{{Name: "on", Every: config.Duration(time.Hour), Command: []string{"true"}, Disabled: true}})
	if table.Len() != 0 {
		t.Fatalf("Len after disable = %d, want 0", table.Len())
	}
}

func TestTableRunsScheduledCommand(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	_, table := newTestTable(t, 2, bus)

	table.Apply([]config.ScheduleConfig{
		{Name: "tick", Every: config.Duration(30 * time.Millisecond), Command: []string{"true"}},
	})

	// Two finishes prove the schedule re-armed after the first run.
	awaitEvents(t, events, eventbus.TaskFinished, 2)
}

func TestTableRevivesFailedSchedule(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	_, table := newTestTable(t, 2, bus)

	table.Apply([]config.ScheduleConfig{
		{Name: "flaky", Every: config.Duration(30 * time.Millisecond), Command: []string{"false"}},
	})

	// The first failure ends the routine's cycle; a second failure can only
	// happen if the table revived it.
	awaitEvents(t, events, eventbus.TaskFailed, 2)
	if table.Len() != 1 {
		t.Fatalf("failing schedule fell out of the table: Len = %d", table.Len())
	}
}

func TestCommandRunnerCapturesOutput(t *testing.T) {
	t.Parallel()

	r := &commandRunner{argv: []string{"sh", "-c", "echo boom >&2; exit 3"}, log: logx.Nop()}
	err := r.run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "exit status 3") || !strings.Contains(msg, "boom") {
		t.Fatalf("error lacks exit status or output: %v", err)
	}
}

func TestCommandRunnerTimeout(t *testing.T) {
	t.Parallel()

	r := &commandRunner{argv: []string{"sleep", "5"}, timeout: 50 * time.Millisecond, log: logx.Nop()}
	start := time.Now()
	err := r.run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("timeout not enforced, run took %v", took)
	}
}

func TestOutTail(t *testing.T) {
	t.Parallel()

	if got := outTail(nil); got != "" {
		t.Fatalf("empty output = %q", got)
	}
	if got := outTail([]byte("  boom \n")); got != ": boom" {
		t.Fatalf("short output = %q", got)
	}
	long := strings.Repeat("x", 2000)
	got := outTail([]byte(long))
	if !strings.HasPrefix(got, ": ... ") {
		t.Fatalf("long output not marked truncated: %.20q", got)
	}
	if len(got) > 600 {
		t.Fatalf("long output not bounded: %d bytes", len(got))
	}
}
