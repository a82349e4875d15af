package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const yamlConfig = `
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./data/notifyd
dispatcher:
  workers: 8
  rate_per_sec: 10
  retry_base: 250ms
orchestrator:
  tick_interval: 15s
  timezone: Europe/Berlin
notifications:
  quiet_hours_start: "22:00"
  quiet_hours_end: "08:00"
  max_per_day: 3
templates:
  - id: custom_tip
    category: insight
    title: "Tip of the day"
    body: "Hi {userName}, try this: {tip}"
    default_frequency: weekly
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "notifyd.yaml", yamlConfig))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
	if cfg.Dispatcher.Workers != 8 || cfg.Dispatcher.RetryBase != "250ms" {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	tick, err := ParseDurationOrDefault("orchestrator.tick_interval", cfg.Orchestrator.TickInterval, 30*time.Second)
	if err != nil || tick != 15*time.Second {
		t.Fatalf("tick = %v, %v", tick, err)
	}

	s := cfg.Settings()
	if !s.Enabled || s.MaxPerDay != 3 || s.QuietHoursStart != "22:00" || s.Timezone != "Europe/Berlin" {
		t.Fatalf("settings = %+v", s)
	}

	overrides, err := cfg.TemplateOverrides()
	if err != nil {
		t.Fatalf("TemplateOverrides: %v", err)
	}
	if len(overrides) != 1 || overrides[0].ID != "custom_tip" {
		t.Fatalf("overrides = %+v", overrides)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "notifyd.yaml", "storage:\n  drivr: file\n"))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "drivr") {
		t.Fatalf("err = %v, want unknown field", err)
	}
}

func TestLoadRejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "notifyd.json", `{"storage":{"driver":"memory"}}{"extra":1}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestValidateCatchesBadFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"bad tick interval", "orchestrator:\n  tick_interval: soonish\n"},
		{"negative retry base", "dispatcher:\n  retry_base: \"-5s\"\n"},
		{"bad timezone", "orchestrator:\n  timezone: Mars/Olympus\n"},
		{"bad quiet hours", "notifications:\n  quiet_hours_start: \"25:99\"\n"},
		{"negative cap", "notifications:\n  max_per_day: -1\n"},
		{"template without id", "templates:\n  - category: insight\n    title: t\n    body: b\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "notifyd.yaml", tc.yaml))
			if _, err := m.Load(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestSettingsDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	s := cfg.Settings()
	if !s.Enabled {
		t.Fatal("notifications must default to enabled")
	}
	if s.MaxPerDay != 5 {
		t.Fatalf("max per day default = %d, want 5", s.MaxPerDay)
	}

	off := false
	cfg.Notifications.Enabled = &off
	if cfg.Settings().Enabled {
		t.Fatal("explicit enabled=false ignored")
	}
}

func TestReloadPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "notifyd.yaml", "notifications:\n  max_per_day: 3\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content must not publish.
	m.reload()
	select {
	case cfg := <-sub:
		t.Fatalf("unexpected publish for unchanged config: %+v", cfg)
	default:
	}

	// Invalid content must not publish either.
	if err := os.WriteFile(path, []byte("notifications:\n  max_per_day: -2\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()
	select {
	case cfg := <-sub:
		t.Fatalf("unexpected publish for invalid config: %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte("notifications:\n  max_per_day: 7\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()
	select {
	case cfg := <-sub:
		if cfg.Notifications.MaxPerDay != 7 {
			t.Fatalf("published max_per_day = %d, want 7", cfg.Notifications.MaxPerDay)
		}
	case <-time.After(time.Second):
		t.Fatal("valid change never published")
	}
	if m.Get().Notifications.MaxPerDay != 7 {
		t.Fatal("Get does not reflect committed reload")
	}
}
