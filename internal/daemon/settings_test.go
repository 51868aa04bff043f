package daemon

import (
	"strings"
	"testing"
	"time"

	"chrono/internal/config"
)

func durPtr(d time.Duration) *config.Duration {
	v := config.Duration(d)
	return &v
}

func TestMapEngineConfigDefaults(t *testing.T) {
	t.Parallel()

	eng, err := mapEngineConfig(nil)
	if err != nil {
		t.Fatalf("nil config: %v", err)
	}
	if eng.Workers != defaultWorkers || eng.ShutdownGrace != defaultShutdownGrace || eng.LagWarn != defaultLagWarn {
		t.Fatalf("defaults not applied: %+v", eng)
	}

	eng, err = mapEngineConfig(&config.Config{Engine: config.EngineConfig{
		Workers:       8,
		ShutdownGrace: durPtr(3 * time.Second),
		LagWarn:       durPtr(0),
	}})
	if err != nil {
		t.Fatalf("explicit config: %v", err)
	}
	if eng.Workers != 8 || eng.ShutdownGrace != 3*time.Second {
		t.Fatalf("explicit values not mapped: %+v", eng)
	}
	// An explicit zero disables the lag check; only nil gets the default.
	if eng.LagWarn != 0 {
		t.Fatalf("explicit zero lag_warn = %v, want 0", eng.LagWarn)
	}
}

func TestMapEngineConfigRejectsBadValues(t *testing.T) {
	t.Parallel()

	if _, err := mapEngineConfig(&config.Config{Engine: config.EngineConfig{Workers: -1}}); err == nil {
		t.Fatal("negative workers accepted")
	}
	if _, err := mapEngineConfig(&config.Config{Engine: config.EngineConfig{ShutdownGrace: durPtr(-time.Second)}}); err == nil {
		t.Fatal("negative shutdown_grace accepted")
	}
	if _, err := mapEngineConfig(&config.Config{Engine: config.EngineConfig{LagWarn: durPtr(-time.Second)}}); err == nil {
		t.Fatal("negative lag_warn accepted")
	}
}

func TestMapJournalConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapJournalConfig(&config.Config{}); err != nil || enabled {
		t.Fatalf("omitted section = (enabled=%v, err=%v), want disabled", enabled, err)
	}
	if _, enabled, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{Driver: "none"}}); err != nil || enabled {
		t.Fatalf("driver none = (enabled=%v, err=%v), want disabled", enabled, err)
	}

	jc, enabled, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{
		Driver:      " File ",
		Path:        "./j",
		BusyTimeout: config.Duration(2 * time.Second),
		Keep:        100,
		Ring:        16,
	}})
	if err != nil || !enabled {
		t.Fatalf("file driver = (enabled=%v, err=%v), want enabled", enabled, err)
	}
	if jc.Driver != "file" || jc.BusyTimeout != 2*time.Second || jc.Keep != 100 || jc.Ring != 16 {
		t.Fatalf("journal config not mapped: %+v", jc)
	}

	if _, _, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{Driver: "file"}}); err == nil {
		t.Fatal("driver without path accepted")
	}
	if _, _, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{Keep: -1}}); err == nil {
		t.Fatal("negative keep accepted")
	}
	if _, _, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{BusyTimeout: config.Duration(-time.Second)}}); err == nil {
		t.Fatal("negative busy_timeout accepted")
	}
}

func TestMapWatchdogConfig(t *testing.T) {
	t.Parallel()

	s, err := mapWatchdogConfig(&config.Config{Watchdog: config.WatchdogConfig{Enabled: true, Interval: config.Duration(7 * time.Second)}})
	if err != nil || !s.Enabled || s.Interval != 7*time.Second {
		t.Fatalf("watchdog config = (%+v, %v)", s, err)
	}
	if _, err := mapWatchdogConfig(&config.Config{Watchdog: config.WatchdogConfig{Interval: config.Duration(-time.Second)}}); err == nil {
		t.Fatal("negative interval accepted")
	}
}

func TestValidateSchedules(t *testing.T) {
	t.Parallel()

	ok := []config.ScheduleConfig{
		{Name: "tick", Every: config.Duration(30 * time.Second), Command: []string{"true"}},
		{Name: "nightly", Cron: "0 3 * * *", Command: []string{"backup", "--full"}, Timeout: config.Duration(10 * time.Minute)},
		{Name: "desc", Cron: "@hourly", Command: []string{"true"}},
	}
	if err := validateSchedules(ok); err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}

	minute := config.Duration(time.Minute)
	cases := []struct {
		name string
		list []config.ScheduleConfig
		want string
	}{
		{"missing name", []config.ScheduleConfig{{Every: minute, Command: []string{"true"}}}, "name is required"},
		{"duplicate name", []config.ScheduleConfig{
			{Name: "x", Every: minute, Command: []string{"true"}},
			{Name: "x", Every: config.Duration(2 * time.Minute), Command: []string{"true"}},
		}, "duplicate name"},
		{"both triggers", []config.ScheduleConfig{{Name: "x", Cron: "* * * * *", Every: minute, Command: []string{"true"}}}, "mutually exclusive"},
		{"no trigger", []config.ScheduleConfig{{Name: "x", Command: []string{"true"}}}, "one of cron or every"},
		{"bad cron", []config.ScheduleConfig{{Name: "x", Cron: "not a spec", Command: []string{"true"}}}, "parse cron spec"},
		{"negative every", []config.ScheduleConfig{{Name: "x", Every: config.Duration(-time.Minute), Command: []string{"true"}}}, "every must be > 0"},
		{"missing command", []config.ScheduleConfig{{Name: "x", Every: minute}}, "command is required"},
		{"negative timeout", []config.ScheduleConfig{{Name: "x", Every: minute, Command: []string{"true"}, Timeout: config.Duration(-time.Second)}}, "timeout must be >= 0"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validateSchedules(tc.list)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestMapLoggingConfig(t *testing.T) {
	t.Parallel()

	lc := mapLoggingConfig(config.LoggingConfig{
		Level:   "warn",
		Console: true,
		Pretty:  true,
		File:    config.LoggingFile{Enabled: true, Path: "/var/log/chronod.log", MaxSizeMB: 5, MaxBackups: 2, MaxAgeDays: 7},
	})
	if lc.Level != "warn" || !lc.Console || !lc.Pretty || !lc.File.Enabled || lc.File.MaxSizeMB != 5 || lc.File.MaxBackups != 2 || lc.File.MaxAgeDays != 7 {
		t.Fatalf("logging config not mapped: %+v", lc)
	}
}
