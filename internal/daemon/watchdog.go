package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	logx "chrono/pkg/logx"
	"chrono/pkg/sched"
)

// watchdogSettings is the watchdog config section after parsing.
type watchdogSettings struct {
	Enabled bool
	// Interval between pings. Zero means half of the WATCHDOG_USEC budget
	// systemd announces.
	Interval time.Duration
}

// Watchdog keeps systemd's watchdog fed. The ping runs as a recurring
// routine on the daemon's own engine, so a stalled engine stops the pings
// and systemd restarts the service.
type Watchdog struct {
	log      logx.Logger
	settings watchdogSettings

	mu      sync.Mutex
	routine *sched.Routine
}

func NewWatchdog(settings watchdogSettings, log logx.Logger) *Watchdog {
	return &Watchdog{log: log, settings: settings}
}

// Arm resolves the ping interval and queues the ping routine. Without an
// explicit interval and without WATCHDOG_USEC in the environment, Arm is a
// no-op.
func (w *Watchdog) Arm(engine *sched.Hard) error {
	if !w.settings.Enabled {
		return nil
	}

	interval := w.settings.Interval
	if interval <= 0 {
		budget, err := sd.SdWatchdogEnabled(false)
		if err != nil {
			return fmt.Errorf("watchdog: read systemd budget: %w", err)
		}
		if budget <= 0 {
			w.log.Info("systemd watchdog not requested; pings disabled")
			return nil
		}
		interval = budget / 2
	}

	r := sched.NewScheduled("watchdog", sched.Every(interval), sched.Hooks{Run: w.ping})
	r.SetLogger(w.log)
	if err := engine.ExecuteAfter(r, interval); err != nil {
		return err
	}

	w.mu.Lock()
	w.routine = r
	w.mu.Unlock()

	w.log.Info("watchdog armed", logx.Duration("interval", interval))
	return nil
}

// Disarm cancels the ping routine. Safe to call when Arm was a no-op.
func (w *Watchdog) Disarm(engine *sched.Hard) {
	w.mu.Lock()
	r := w.routine
	w.routine = nil
	w.mu.Unlock()
	if r == nil {
		return
	}
	r.Cancel()
	engine.Cancel(r)
	w.log.Debug("watchdog disarmed")
}

// ping never returns an error: a failed notify must not retire the routine.
func (w *Watchdog) ping(_ context.Context, _ *sched.Scheduling) error {
	ack, err := sd.SdNotify(false, sd.SdNotifyWatchdog)
	if err != nil {
		w.log.Warn("watchdog ping failed", logx.Err(err))
		return nil
	}
	if !ack {
		w.log.Debug("watchdog ping not delivered (no systemd socket)")
	}
	return nil
}
