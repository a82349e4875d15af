// Package pref defines the preference port the scheduling core consumes:
// per-user per-template delivery preferences and the process-wide
// notification settings. The surrounding application owns the real
// backing store; the core only reads snapshots.
package pref

import (
	"context"

	"notifyd/internal/template"
)

// Preference is one user's delivery preference for one template.
// Absence of a stored preference falls back to the template default.
type Preference struct {
	UserID     string
	TemplateID string
	Enabled    bool
	Frequency  template.Frequency

	// PreferredTime is "HH:MM" in the user's local time; blank means no
	// preference.
	PreferredTime string

	// Timezone is an IANA name ("Europe/Berlin"); blank falls back to the
	// global default.
	Timezone string

	// QuietHoursStart and QuietHoursEnd override the global quiet window
	// for this user, in "HH:MM". Both must be set for the override to
	// take effect; blank inherits the global window.
	QuietHoursStart string
	QuietHoursEnd   string

	// MaxPerDay overrides the global daily cap for this user. Zero
	// inherits the global cap.
	MaxPerDay int

	// Conditions is an opaque bag evaluated by the triggering caller, not
	// by the core.
	Conditions map[string]string
}

// Settings are the process-wide defaults. They are passed into every
// gate decision as an explicit snapshot so decisions stay deterministic
// and replayable.
type Settings struct {
	Enabled bool

	// Quiet hours in "HH:MM"; start > end means the window wraps midnight.
	QuietHoursStart string
	QuietHoursEnd   string

	MaxPerDay int

	// Priority attached to outgoing deliveries (transport hint).
	Priority int

	// Timezone is the default IANA zone for day boundaries and quiet
	// hours when a user has none.
	Timezone string
}

// Store is the consumed preference interface. Reads must be cheap; the
// core snapshots once per decision and never re-fetches mid-decision.
type Store interface {
	Preference(ctx context.Context, userID, templateID string) (Preference, error)
	GlobalSettings(ctx context.Context) (Settings, error)

	// UpdatePreference is the write path used by the surrounding settings
	// surface, not by the scheduling core.
	UpdatePreference(ctx context.Context, p Preference) error
}
