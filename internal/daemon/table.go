package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"time"

	"chrono/internal/config"
	logx "chrono/pkg/logx"
	"chrono/pkg/sched"
)

// Table owns the daemon's schedule table: one self-rescheduling routine per
// configured schedule, registered on the hard engine. Apply reconciles the
// table against a config snapshot; Revive restores a schedule whose run
// failed, so a bad exit code never retires a recurring job.
type Table struct {
	log    logx.Logger
	engine *sched.Hard

	mu      sync.Mutex
	entries map[string]*tableEntry
}

type tableEntry struct {
	cfg      config.ScheduleConfig
	schedule sched.Schedule
	routine  *sched.Routine
}

func NewTable(engine *sched.Hard, log logx.Logger) *Table {
	return &Table{log: log, engine: engine, entries: map[string]*tableEntry{}}
}

// buildSchedule turns a schedule config into a trigger. Exactly one of cron
// or every must be set.
func buildSchedule(s config.ScheduleConfig) (sched.Schedule, error) {
	cron := strings.TrimSpace(s.Cron)
	every := s.Every.Std()
	switch {
	case cron != "" && every != 0:
		return nil, fmt.Errorf("schedule %q: cron and every are mutually exclusive", s.Name)
	case cron != "":
		sc, err := sched.Cron(cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		return sc, nil
	case every != 0:
		if every < 0 {
			return nil, fmt.Errorf("schedule %q: every must be > 0", s.Name)
		}
		return sched.Every(every), nil
	default:
		return nil, fmt.Errorf("schedule %q: one of cron or every is required", s.Name)
	}
}

// Apply reconciles the table with a config snapshot. Changed or removed
// schedules are retired (their queued run is cancelled; an in-flight run
// finishes but does not re-arm) and new definitions are armed at their next
// trigger time.
func (t *Table) Apply(list []config.ScheduleConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[string]config.ScheduleConfig, len(list))
	for _, s := range list {
		if strings.TrimSpace(s.Name) == "" {
			continue
		}
		want[s.Name] = s
	}

	for name, e := range t.entries {
		s, ok := want[name]
		if ok && !s.Disabled && reflect.DeepEqual(s, e.cfg) {
			continue
		}
		t.retireLocked(name, e)
	}

	for name, s := range want {
		if s.Disabled {
			continue
		}
		if _, ok := t.entries[name]; ok {
			continue
		}
		if err := t.armLocked(s); err != nil {
			t.log.Warn("schedule not armed", logx.String("schedule", name), logx.Err(err))
		}
	}
}

// Clear retires every schedule. Queued runs are cancelled; in-flight runs
// finish without re-arming.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, e := range t.entries {
		t.retireLocked(name, e)
	}
}

// Len reports the number of armed schedules.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) armLocked(s config.ScheduleConfig) error {
	sch, err := buildSchedule(s)
	if err != nil {
		return err
	}

	runner := &commandRunner{
		argv:    s.Command,
		timeout: s.Timeout.Std(),
		log:     t.log.With(logx.String("schedule", s.Name)),
	}
	r := sched.NewScheduled(s.Name, sch, sched.Hooks{Run: runner.run})
	r.SetLogger(t.log)

	next := sch.Next(t.engine.Now())
	if next == 0 {
		return fmt.Errorf("schedule %q: trigger yields no run time", s.Name)
	}
	if err := t.engine.ExecuteAt(r, next); err != nil {
		return err
	}

	t.entries[s.Name] = &tableEntry{cfg: s, schedule: sch, routine: r}
	t.log.Info("schedule armed",
		logx.String("schedule", s.Name),
		logx.Time("next", next.Wall()),
	)
	return nil
}

func (t *Table) retireLocked(name string, e *tableEntry) {
	e.routine.Cancel()
	t.engine.Cancel(e.routine)
	delete(t.entries, name)
	t.log.Info("schedule retired", logx.String("schedule", name))
}

// Revive re-arms a table schedule whose routine finished because a run
// failed. A failed run ends the routine's cycle; for a recurring schedule
// the table resets it and queues the next trigger instead of letting the
// schedule die. Reports whether a re-arm happened.
func (t *Table) Revive(task sched.Schedulable) bool {
	r, ok := task.(*sched.Routine)
	if !ok {
		return false
	}
	name := r.Label()

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[name]
	if e == nil || e.routine != r || r.Cancelled() || !r.Done() {
		return false
	}

	next := e.schedule.Next(t.engine.Now())
	if next == 0 {
		delete(t.entries, name)
		t.log.Info("schedule exhausted", logx.String("schedule", name))
		return false
	}
	if err := r.Reset(); err != nil {
		t.log.Warn("schedule reset failed", logx.String("schedule", name), logx.Err(err))
		return false
	}
	if err := t.engine.ExecuteAt(r, next); err != nil {
		delete(t.entries, name)
		t.log.Debug("schedule revive rejected", logx.String("schedule", name), logx.Err(err))
		return false
	}

	t.log.Info("schedule re-armed after failed run",
		logx.String("schedule", name),
		logx.Time("next", next.Wall()),
	)
	return true
}

// commandRunner executes one configured command per run. Output is captured
// and surfaced through logs and error messages, bounded so a chatty command
// cannot flood them.
type commandRunner struct {
	argv    []string
	timeout time.Duration
	log     logx.Logger
}

func (c *commandRunner) run(ctx context.Context, _ *sched.Scheduling) error {
	rctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(rctx, c.argv[0], c.argv[1:]...)
	start := time.Now()
	out, err := cmd.CombinedOutput()
	took := time.Since(start)

	if err != nil {
		if c.timeout > 0 && errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("command %q timed out after %v%s", c.argv[0], c.timeout, outTail(out))
		}
		return fmt.Errorf("command %q: %w%s", c.argv[0], err, outTail(out))
	}

	c.log.Debug("command finished",
		logx.Duration("took", took),
		logx.Int("output_bytes", len(out)),
	)
	return nil
}

// outTail renders the last part of captured output for error messages.
func outTail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return ""
	}
	const max = 512
	if len(s) > max {
		s = "... " + s[len(s)-max:]
	}
	return ": " + s
}
