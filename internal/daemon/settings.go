package daemon

import (
	"fmt"
	"strings"
	"time"

	"chrono/internal/config"
	"chrono/internal/journal"
	logx "chrono/pkg/logx"
)

const (
	defaultWorkers       = 2
	defaultShutdownGrace = 10 * time.Second
	defaultLagWarn       = time.Second
)

// engineSettings is the engine config section after defaulting.
type engineSettings struct {
	Workers       int
	ShutdownGrace time.Duration
	LagWarn       time.Duration
}

// durOr resolves an optional duration field: nil means "use the default",
// a present value is taken as-is (including an explicit zero).
func durOr(p *config.Duration, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	return p.Std()
}

func mapEngineConfig(cfg *config.Config) (engineSettings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Engine.Workers < 0 {
		return engineSettings{}, fmt.Errorf("engine.workers must be >= 0")
	}

	workers := cfg.Engine.Workers
	if workers == 0 {
		workers = defaultWorkers
	}

	grace := durOr(cfg.Engine.ShutdownGrace, defaultShutdownGrace)
	if grace < 0 {
		return engineSettings{}, fmt.Errorf("engine.shutdown_grace must be >= 0")
	}

	// An explicit "0s" disables lag warnings; only an absent field gets the
	// default.
	lagWarn := durOr(cfg.Engine.LagWarn, defaultLagWarn)
	if lagWarn < 0 {
		return engineSettings{}, fmt.Errorf("engine.lag_warn must be >= 0")
	}

	return engineSettings{Workers: workers, ShutdownGrace: grace, LagWarn: lagWarn}, nil
}

// mapJournalConfig translates the optional journal section. The boolean
// reports whether a persistent store should be opened; the returned config
// is valid for the in-memory recorder either way.
func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	j := cfg.Journal

	if j.Keep < 0 {
		return journal.Config{}, false, fmt.Errorf("journal.keep must be >= 0")
	}
	if j.Ring < 0 {
		return journal.Config{}, false, fmt.Errorf("journal.ring must be >= 0")
	}
	if j.BusyTimeout < 0 {
		return journal.Config{}, false, fmt.Errorf("journal.busy_timeout must be >= 0")
	}

	driver := strings.ToLower(strings.TrimSpace(j.Driver))
	enabled := driver != "" && driver != "none"
	if enabled && strings.TrimSpace(j.Path) == "" {
		return journal.Config{}, false, fmt.Errorf("journal.path is required for driver %q", driver)
	}

	return journal.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(j.Path),
		BusyTimeout: j.BusyTimeout.Std(),
		Keep:        j.Keep,
		Ring:        j.Ring,
	}, enabled, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdogSettings, error) {
	if cfg == nil {
		return watchdogSettings{}, nil
	}
	if cfg.Watchdog.Interval < 0 {
		return watchdogSettings{}, fmt.Errorf("watchdog.interval must be >= 0")
	}
	return watchdogSettings{Enabled: cfg.Watchdog.Enabled, Interval: cfg.Watchdog.Interval.Std()}, nil
}

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		Pretty:  lc.Pretty,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
		},
	}
}

// validateSchedules rejects a schedule table that could not be armed:
// missing or duplicate names, bad triggers, empty commands.
func validateSchedules(list []config.ScheduleConfig) error {
	seen := make(map[string]struct{}, len(list))
	for i, s := range list {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		if _, err := buildSchedule(s); err != nil {
			return err
		}
		if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
			return fmt.Errorf("schedule %q: command is required", name)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("schedule %q: timeout must be >= 0", name)
		}
	}
	return nil
}
