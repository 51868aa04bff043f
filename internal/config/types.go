package config

// Config is the full chronod configuration tree.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the hard scheduler pool that runs the schedule table.
	Engine EngineConfig `json:"engine"`

	// Journal enables the optional execution journal.
	// If the whole section is omitted, history lives only in memory.
	Journal *JournalConfig `json:"journal,omitempty"`

	// Watchdog controls systemd watchdog pings.
	Watchdog WatchdogConfig `json:"watchdog,omitempty"`

	// Schedules is the daemon's schedule table.
	Schedules []ScheduleConfig `json:"schedules"`
}

// EngineConfig controls the task execution engine.
//
// Duration fields accept Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted):
//   - workers: 2
//   - shutdown_grace: "10s"
//   - lag_warn: "1s"
type EngineConfig struct {
	Workers int `json:"workers,omitempty"`

	// ShutdownGrace bounds how long a stop waits for queued work to drain
	// before cancelling what is left. An explicit "0s" skips the drain;
	// only an omitted field gets the default.
	ShutdownGrace *Duration `json:"shutdown_grace,omitempty"`

	// LagWarn is the actual-vs-theoretical start lag that triggers a
	// rate-limited warning. An explicit "0s" disables the check; only an
	// omitted field gets the default.
	LagWarn *Duration `json:"lag_warn,omitempty"`
}

// JournalConfig controls the optional execution journal.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./chronod_journal" }
type JournalConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite lock wait
	Keep        int      `json:"keep,omitempty"`         // persisted entries retained
	Ring        int      `json:"ring,omitempty"`         // in-memory entries retained
}

// WatchdogConfig controls systemd watchdog pings.
//
// When interval is omitted or zero, the ping interval is half of the
// WATCHDOG_USEC budget systemd announces.
type WatchdogConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval Duration `json:"interval,omitempty"`
}

// ScheduleConfig declares one recurring command run.
//
// Exactly one of cron or every must be set. Command is argv style: the
// first element is the program, the rest are its arguments. There is no
// shell in between.
type ScheduleConfig struct {
	Name string `json:"name"`

	// Cron is a 5-field or 6-field (with seconds) cron spec.
	Cron string `json:"cron,omitempty"`
	// Every is a fixed-rate interval (e.g. "30s", "5m").
	Every Duration `json:"every,omitempty"`

	Command []string `json:"command"`

	// Timeout bounds one run of the command. Zero or omitted disables it.
	Timeout Duration `json:"timeout,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`

	// Pretty renders console output through a human-oriented writer
	// instead of plain JSON lines.
	Pretty bool `json:"pretty,omitempty"`

	File LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}
