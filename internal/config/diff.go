package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chrono/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the names of schedules whose
// definition changed (added, removed, or edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Engine
	if oldCfg.Engine.Workers != newCfg.Engine.Workers ||
		!durPtrEq(oldCfg.Engine.ShutdownGrace, newCfg.Engine.ShutdownGrace) ||
		!durPtrEq(oldCfg.Engine.LagWarn, newCfg.Engine.LagWarn) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.shutdown_grace", durPtrText(newCfg.Engine.ShutdownGrace)),
			logx.String("engine.lag_warn", durPtrText(newCfg.Engine.LagWarn)),
		)
	}

	// Journal. Nil means disabled.
	oldJ := oldCfg.Journal
	newJ := newCfg.Journal
	var oDriver, nDriver string
	var oBusy, nBusy Duration
	var oPathSet, nPathSet bool
	var oKeep, nKeep, oRing, nRing int
	if oldJ != nil {
		oDriver = strings.TrimSpace(oldJ.Driver)
		oBusy = oldJ.BusyTimeout
		oPathSet = strings.TrimSpace(oldJ.Path) != ""
		oKeep, oRing = oldJ.Keep, oldJ.Ring
	}
	if newJ != nil {
		nDriver = strings.TrimSpace(newJ.Driver)
		nBusy = newJ.BusyTimeout
		nPathSet = strings.TrimSpace(newJ.Path) != ""
		nKeep, nRing = newJ.Keep, newJ.Ring
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oKeep != nKeep || oRing != nRing {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", nDriver),
			logx.Bool("journal.path_set", nPathSet),
			logx.Int("journal.keep", nKeep),
			logx.Int("journal.ring", nRing),
		)
	}

	// Watchdog
	if oldCfg.Watchdog.Enabled != newCfg.Watchdog.Enabled ||
		oldCfg.Watchdog.Interval != newCfg.Watchdog.Interval {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.Duration("watchdog.interval", newCfg.Watchdog.Interval.Std()),
		)
	}

	// Schedules (summarize only; details at debug)
	scheduleChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(scheduleChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(scheduleChanged)),
			logx.Int("schedules.active_count", countActive(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, scheduleChanged
}

func durPtrEq(a, b *Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// durPtrText renders an optional duration for log attrs; nil reads as
// "default".
func durPtrText(p *Duration) string {
	if p == nil {
		return "default"
	}
	return p.String()
}

func countActive(list []ScheduleConfig) int {
	n := 0
	for _, s := range list {
		if !s.Disabled {
			n++
		}
	}
	return n
}

// diffSchedules returns the sorted names of schedules that differ between
// the two tables. A schedule present on one side only counts as changed.
func diffSchedules(oldL, newL []ScheduleConfig) []string {
	oldM := make(map[string]ScheduleConfig, len(oldL))
	for _, s := range oldL {
		oldM[s.Name] = s
	}
	newM := make(map[string]ScheduleConfig, len(newL))
	for _, s := range newL {
		newM[s.Name] = s
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
