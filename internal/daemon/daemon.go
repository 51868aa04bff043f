package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"chrono/internal/config"
	"chrono/internal/eventbus"
	"chrono/internal/journal"
	"chrono/internal/runtime/supervisor"
	logx "chrono/pkg/logx"
	"chrono/pkg/sched"
)

// Daemon wires the scheduling engine, the schedule table, the journal and
// the config manager into one process.
type Daemon struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store journal.Store
	rec   *journal.Recorder

	engine *sched.Hard
	table  *Table

	// mu guards the parts the reload loop swaps at runtime.
	mu  sync.Mutex
	eng engineSettings
	wd  *Watchdog
}

func New(cfgPath string) (*Daemon, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "daemon"))

	eng, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := validateSchedules(cfg.Schedules); err != nil {
		return nil, err
	}
	wdSettings, err := mapWatchdogConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// Journal (optional persistence; the in-memory ring always runs)
	jc, jEnabled, err := mapJournalConfig(cfg)
	if err != nil {
		return nil, err
	}
	var store journal.Store
	if jEnabled {
		st, err := journal.Open(jc, log.With(logx.String("comp", "journal")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}
	rec := journal.NewRecorder(jc, store, log.With(logx.String("comp", "journal")))

	// The failure handler closes over the table, which needs the engine;
	// the table is assigned right after NewHard and before any task runs.
	var table *Table
	engine := sched.NewHard(sched.HardConfig{
		Workers: eng.Workers,
		LagWarn: eng.LagWarn,
		Log:     log.With(logx.String("comp", "engine")),
		Bus:     bus,
		OnTaskError: func(task sched.Schedulable, err error) {
			log.Warn("task failed", logx.String("task", taskLabel(task)), logx.Err(err))
			if table != nil {
				table.Revive(task)
			}
		},
	})
	table = NewTable(engine, log.With(logx.String("comp", "table")))

	return &Daemon{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		rec:     rec,
		engine:  engine,
		table:   table,
		eng:     eng,
		wd:      NewWatchdog(wdSettings, log.With(logx.String("comp", "watchdog"))),
	}, nil
}

// Done is closed when the daemon's supervisor context ends (fatal error or
// Stop).
func (d *Daemon) Done() <-chan struct{} {
	if d.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (d *Daemon) Err() error {
	if d.sup == nil {
		return nil
	}
	return d.sup.Err()
}

func (d *Daemon) Start(ctx context.Context) error {
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	d.cfgm.SetLogger(d.log.With(logx.String("comp", "config")))
	d.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapJournalConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWatchdogConfig(cfg); err != nil {
			return err
		}
		return validateSchedules(cfg.Schedules)
	})

	d.rec.Start(d.bus)

	if err := d.engine.Start(d.sup.Context()); err != nil {
		return err
	}
	d.table.Apply(d.cfgm.Get().Schedules)

	d.mu.Lock()
	wd := d.wd
	d.mu.Unlock()
	if err := wd.Arm(d.engine); err != nil {
		d.log.Warn("watchdog not armed", logx.Err(err))
	}

	// Optional: log bus events for observability/debug.
	events, unsub := d.bus.Subscribe(128)
	d.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				d.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := d.cfgm.Subscribe(8)
	d.sup.Go0("config.reload", func(c context.Context) { d.reloadLoop(c, sub) })

	d.sup.Go("config.watch", func(c context.Context) error {
		return d.cfgm.Watch(c)
	})

	if ack, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		d.log.Warn("systemd ready notify failed", logx.Err(err))
	} else if ack {
		d.log.Debug("systemd notified ready")
	}

	d.log.Info("daemon started",
		logx.Int("workers", d.eng.Workers),
		logx.Int("schedules", d.table.Len()),
	)
	return nil
}

func (d *Daemon) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer d.cfgm.Unsubscribe(sub)
	// Track the last applied config to generate a change summary.
	lastApplied := d.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer, open := <-sub:
					if !open {
						goto APPLY
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, schedChanged := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				d.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			d.log.Debug("config change summary", fields...)

			for _, s := range sections {
				switch s {
				case "logging":
					d.logs.Apply(mapLoggingConfig(newCfg.Logging))
				case "engine":
					d.applyEngineConfig(newCfg)
				case "journal":
					d.log.Warn("journal config changed; restart required for changes to take effect")
				case "watchdog":
					d.applyWatchdogConfig(newCfg)
				case "schedules":
					if len(schedChanged) > 0 {
						d.log.Debug("schedule changes detected", logx.Any("schedules", schedChanged))
					}
					d.table.Apply(newCfg.Schedules)
				}
			}

			d.log.Info("config reloaded", fields...)
		}
	}
}

// applyEngineConfig takes over what can change live. The worker pool and
// the lag threshold are fixed at engine construction.
func (d *Daemon) applyEngineConfig(cfg *config.Config) {
	eng, err := mapEngineConfig(cfg)
	if err != nil {
		d.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		return
	}
	d.mu.Lock()
	prev := d.eng
	d.eng.ShutdownGrace = eng.ShutdownGrace
	d.mu.Unlock()
	if eng.Workers != prev.Workers || eng.LagWarn != prev.LagWarn {
		d.log.Warn("engine pool config changed; restart required for changes to take effect")
	}
}

func (d *Daemon) applyWatchdogConfig(cfg *config.Config) {
	settings, err := mapWatchdogConfig(cfg)
	if err != nil {
		d.log.Warn("invalid watchdog config; keeping previous", logx.Err(err))
		return
	}
	d.mu.Lock()
	old := d.wd
	next := NewWatchdog(settings, d.log.With(logx.String("comp", "watchdog")))
	d.wd = next
	d.mu.Unlock()

	old.Disarm(d.engine)
	if err := next.Arm(d.engine); err != nil {
		d.log.Warn("watchdog not armed", logx.Err(err))
	}
}

func (d *Daemon) Stop(ctx context.Context) error {
	if d.sup == nil {
		return nil
	}
	d.log.Info("stopping")
	if _, err := sd.SdNotify(false, sd.SdNotifyStopping); err != nil {
		d.log.Debug("systemd stopping notify failed", logx.Err(err))
	}

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		d.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("stop step panicked",
						logx.String("name", name),
						logx.Any("panic", r),
						logx.Stack(logx.StackTrace(3, 16)))
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				d.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				d.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				d.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			d.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					d.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					d.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	d.mu.Lock()
	grace := d.eng.ShutdownGrace
	wd := d.wd
	d.mu.Unlock()

	// Stop feeding the watchdog and retire the schedule table first, so
	// only already-due work remains queued.
	step("watchdog", time.Second, func(context.Context) error { wd.Disarm(d.engine); return nil })
	step("table", 2*time.Second, func(context.Context) error { d.table.Clear(); return nil })

	// Drain within the grace window, then cut whatever is left. A zero
	// grace skips the drain and cuts immediately.
	if grace > 0 {
		step("engine.drain", grace, func(c context.Context) error {
			d.engine.Shutdown()
			return d.engine.Wait(c)
		})
	}
	step("engine.halt", 2*time.Second, func(c context.Context) error {
		d.engine.ShutdownNow()
		return d.engine.Wait(c)
	})

	// Now unwind the background loops (config watch/reload, bus tap).
	d.sup.Cancel()

	step("journal", time.Second, func(context.Context) error {
		d.rec.Stop()
		if d.store != nil {
			return d.store.Close()
		}
		return nil
	})

	step("supervisor", 2*time.Second, func(c context.Context) error { return d.sup.Wait(c) })

	snap := d.engine.Snapshot()
	d.log.Info("stopped",
		logx.Uint64("ran", snap.Ran),
		logx.Uint64("failed", snap.Failed),
	)
	if d.logs != nil {
		_ = d.logs.Close()
	}
	return nil
}

func taskLabel(task sched.Schedulable) string {
	if l, ok := task.(sched.Labeler); ok {
		if s := l.Label(); s != "" {
			return s
		}
	}
	return fmt.Sprintf("%T", task)
}
