package pref

import (
	"context"
	"sync"

	"notifyd/internal/template"
)

// Memory is an in-process Store used by tests and by deployments where
// the surrounding application pushes preferences in over the settings
// surface instead of backing them with a database.
type Memory struct {
	mu       sync.RWMutex
	settings Settings
	prefs    map[string]Preference // key: userID + "\x00" + templateID

	reg *template.Registry
}

// NewMemory creates a store seeded with the given global settings.
// Template defaults come from reg when a user has no stored preference.
func NewMemory(settings Settings, reg *template.Registry) *Memory {
	return &Memory{
		settings: settings,
		prefs:    map[string]Preference{},
		reg:      reg,
	}
}

func key(userID, templateID string) string { return userID + "\x00" + templateID }

func (m *Memory) Preference(ctx context.Context, userID, templateID string) (Preference, error) {
	m.mu.RLock()
	p, ok := m.prefs[key(userID, templateID)]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	// Fallback: enabled with the template's default cadence.
	freq := template.FrequencyImmediate
	if m.reg != nil {
		if t, err := m.reg.Lookup(templateID); err == nil {
			freq = t.DefaultFrequency
		}
	}
	return Preference{
		UserID:     userID,
		TemplateID: templateID,
		Enabled:    true,
		Frequency:  freq,
	}, nil
}

func (m *Memory) GlobalSettings(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

func (m *Memory) UpdatePreference(ctx context.Context, p Preference) error {
	m.mu.Lock()
	m.prefs[key(p.UserID, p.TemplateID)] = p
	m.mu.Unlock()
	return nil
}

// ApplySettings swaps the global defaults (config reload path).
func (m *Memory) ApplySettings(s Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}
