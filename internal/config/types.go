package config

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/gate"
	"notifyd/internal/pref"
	"notifyd/internal/template"
)

// Config is the on-disk configuration. YAML and JSON are both accepted;
// unknown keys are rejected so typos surface at load time instead of
// silently falling back to defaults.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Dispatcher    DispatcherConfig    `json:"dispatcher"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator"`
	Notifications NotificationsConfig `json:"notifications"`

	// Templates extends or overrides the built-in template table.
	Templates []TemplateConfig `json:"templates,omitempty"`

	// Telegram enables the bundled telegram transport. Omitted means the
	// embedding application must provide its own transport.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notifyd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

// DispatcherConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 25
//   - max_attempts: 3
//   - retry_base: "500ms", retry_max_delay: "30s"
type DispatcherConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
}

type OrchestratorConfig struct {
	// TickInterval bounds firing latency. Default "30s".
	TickInterval string `json:"tick_interval,omitempty"`
	// Timezone is the default IANA zone. Default "UTC".
	Timezone string `json:"timezone,omitempty"`
}

// NotificationsConfig holds the process-wide delivery policy defaults.
type NotificationsConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"` // default true
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	MaxPerDay       int    `json:"max_per_day,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

type TemplateConfig struct {
	ID               string `json:"id"`
	Category         string `json:"category"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	DefaultFrequency string `json:"default_frequency,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// ParseDurationField parses an optional duration field at the given
// config path. Empty means unset and comes back as zero. Negative
// values are rejected: no duration knob here has a meaning below zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: not a duration: %q", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// unset fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate rejects configs that would fail later at wire-up time. It is
// also the reload gate: a config that does not validate is never
// published to subscribers.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("orchestrator.tick_interval", c.Orchestrator.TickInterval); err != nil {
		return err
	}
	if tz := c.Orchestrator.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("orchestrator.timezone: %w", err)
		}
	}
	for _, field := range []struct{ path, raw string }{
		{"dispatcher.send_timeout", c.Dispatcher.SendTimeout},
		{"dispatcher.retry_base", c.Dispatcher.RetryBase},
		{"dispatcher.retry_max_delay", c.Dispatcher.RetryMaxDelay},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	for _, hhmm := range []struct{ path, raw string }{
		{"notifications.quiet_hours_start", c.Notifications.QuietHoursStart},
		{"notifications.quiet_hours_end", c.Notifications.QuietHoursEnd},
	} {
		if hhmm.raw == "" {
			continue
		}
		if _, _, err := gate.ParseHHMM(hhmm.raw); err != nil {
			return fmt.Errorf("%s: %w", hhmm.path, err)
		}
	}
	if c.Notifications.MaxPerDay < 0 {
		return fmt.Errorf("notifications.max_per_day: must be >= 0")
	}
	if _, err := c.TemplateOverrides(); err != nil {
		return err
	}
	return nil
}

// TemplateOverrides converts the template section into registry entries.
func (c *Config) TemplateOverrides() ([]template.Template, error) {
	out := make([]template.Template, 0, len(c.Templates))
	for i, t := range c.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("templates[%d]: id required", i)
		}
		out = append(out, template.Template{
			ID:               t.ID,
			Category:         template.Category(t.Category),
			TitlePattern:     t.Title,
			BodyPattern:      t.Body,
			DefaultFrequency: template.Frequency(t.DefaultFrequency),
		})
	}
	return out, nil
}

// Settings assembles the global delivery policy with defaults applied.
func (c *Config) Settings() pref.Settings {
	s := pref.Settings{
		Enabled:         true,
		QuietHoursStart: c.Notifications.QuietHoursStart,
		QuietHoursEnd:   c.Notifications.QuietHoursEnd,
		MaxPerDay:       c.Notifications.MaxPerDay,
		Priority:        c.Notifications.Priority,
		Timezone:        c.Orchestrator.Timezone,
	}
	if c.Notifications.Enabled != nil {
		s.Enabled = *c.Notifications.Enabled
	}
	if s.MaxPerDay == 0 {
		s.MaxPerDay = 5
	}
	return s
}
