package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "engine": {"workers": 4, "shutdown_grace": "5s"},
  "journal": {"driver": "file", "path": "./j"},
  "schedules": [
    {"name": "tick", "every": "30s", "command": ["true"]},
    {"name": "nightly", "cron": "0 3 * * *", "command": ["backup", "--full"], "timeout": "10m"}
  ]
}`

func TestParseStrictJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "chronod.json", sampleJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.Workers != 4 {
		t.Fatalf("engine not parsed: %+v", cfg.Engine)
	}
	if cfg.Engine.ShutdownGrace == nil || cfg.Engine.ShutdownGrace.Std() != 5*time.Second {
		t.Fatalf("shutdown_grace not parsed: %+v", cfg.Engine.ShutdownGrace)
	}
	if cfg.Engine.LagWarn != nil {
		t.Fatalf("omitted lag_warn should stay nil, got %v", cfg.Engine.LagWarn)
	}
	if cfg.Journal == nil || cfg.Journal.Driver != "file" {
		t.Fatalf("journal not parsed: %+v", cfg.Journal)
	}
	if len(cfg.Schedules) != 2 || cfg.Schedules[1].Command[1] != "--full" {
		t.Fatalf("schedules not parsed: %+v", cfg.Schedules)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "chronod.json", `{"engine": {"workerz": 4}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "chronod.json", `{"schedules": []} {"schedules": []}`))
	_, err := m.Parse()
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}

func TestParseYAMLCoercion(t *testing.T) {
	t.Parallel()

	const body = `
logging:
  level: info
  console: true
engine:
  workers: 2
schedules:
  - name: tick
    every: 1m
    command: [echo, hi]
`
	m := NewManager(writeFile(t, "chronod.yaml", body))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("logging not parsed: %+v", cfg.Logging)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Every.Std() != time.Minute || cfg.Schedules[0].Command[1] != "hi" {
		t.Fatalf("schedules not parsed: %+v", cfg.Schedules)
	}
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "chronod.yml", "engine:\n  wrokers: 2\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown field error through yaml coercion")
	}
}

func TestLoadCommitsAndGetReturnsSnapshot(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "chronod.json", sampleJSON))
	if got := m.Get(); got != nil {
		t.Fatalf("Get before Load = %+v, want nil", got)
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed snapshot")
	}
	if m.lastHash == 0 {
		t.Fatal("commit did not record a content hash")
	}
}

func TestDurationDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", raw: `"1500ms"`, want: 1500 * time.Millisecond},
		{name: "compound", raw: `"1h30m"`, want: 90 * time.Minute},
		{name: "blank means zero", raw: `"  "`, want: 0},
		{name: "nanosecond number", raw: `45000000000`, want: 45 * time.Second},
		{name: "negative string", raw: `"-1s"`, want: -time.Second},
		{name: "garbage string", raw: `"soon"`, wantErr: true},
		{name: "wrong type", raw: `{"d": 1}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.raw), &d)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decode %s: expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode %s: %v", tt.raw, err)
			}
			if d.Std() != tt.want {
				t.Fatalf("decode %s = %v, want %v", tt.raw, d.Std(), tt.want)
			}
		})
	}
}

func TestDurationEncode(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"1m30s"` {
		t.Fatalf("marshal = %s, want \"1m30s\"", b)
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "chronod.json", `{"engine": {"lag_warn": "soon"}}`))
	_, err := m.Parse()
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration decode error, got %v", err)
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Engine: EngineConfig{Workers: 1}}
	b := &Config{Engine: EngineConfig{Workers: 2}}
	c := &Config{Engine: EngineConfig{Workers: 3}}
	m.publish(a)
	m.publish(b) // a dropped
	m.publish(c) // b dropped

	select {
	case got := <-ch:
		if got != c {
			t.Fatalf("got workers=%d, want the newest snapshot", got.Engine.Workers)
		}
	default:
		t.Fatal("no config delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(4)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	// publish after unsubscribe must not panic
	m.publish(&Config{})
	m.Unsubscribe(nil)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Engine: EngineConfig{Workers: 2},
		Schedules: []ScheduleConfig{
			{Name: "tick", Every: Duration(30 * time.Second), Command: []string{"true"}},
			{Name: "sweep", Every: Duration(time.Hour), Command: []string{"sweep"}},
		},
	}
	newCfg := &Config{
		Engine:  EngineConfig{Workers: 8},
		Journal: &JournalConfig{Driver: "file", Path: "./j"},
		Schedules: []ScheduleConfig{
			{Name: "tick", Every: Duration(15 * time.Second), Command: []string{"true"}},
			{Name: "nightly", Cron: "0 3 * * *", Command: []string{"backup"}},
		},
	}

	sections, _, names := SummarizeConfigChange(oldCfg, newCfg)
	wantSections := "engine journal schedules"
	if got := strings.Join(sections, " "); got != wantSections {
		t.Fatalf("sections = %q, want %q", got, wantSections)
	}
	// tick edited, sweep removed, nightly added
	wantNames := "nightly sweep tick"
	if got := strings.Join(names, " "); got != wantNames {
		t.Fatalf("changed schedules = %q, want %q", got, wantNames)
	}

	if s, _, n := SummarizeConfigChange(nil, nil); len(s) != 0 || len(n) != 0 {
		t.Fatalf("nil/nil diff not empty: %v %v", s, n)
	}
	if s, _, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical diff not empty: %v", s)
	}
}

func TestContentHash(t *testing.T) {
	t.Parallel()

	if contentHash(nil) != 0 {
		t.Fatal("nil config must hash to 0")
	}
	a := contentHash(&Config{Engine: EngineConfig{Workers: 1}})
	b := contentHash(&Config{Engine: EngineConfig{Workers: 2}})
	if a == 0 || a == b {
		t.Fatalf("hashes not distinct: %x %x", a, b)
	}
	if a != contentHash(&Config{Engine: EngineConfig{Workers: 1}}) {
		t.Fatal("hash not stable")
	}
}
