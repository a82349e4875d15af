// Package gate implements the rate/quiet decision: given a candidate
// send and a snapshot of everything the decision depends on, return
// allow or a suppression reason. The function is pure so decisions are
// deterministic and replayable from recorded inputs.
package gate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/pref"
	"notifyd/internal/template"
)

// Reason explains a suppression. Suppressions are normal outcomes, not
// errors; they end up on the audit trail.
type Reason string

const (
	ReasonGlobalDisabled        Reason = "global_disabled"
	ReasonTemplateDisabled      Reason = "template_disabled"
	ReasonQuietHours            Reason = "quiet_hours"
	ReasonDailyCapReached       Reason = "daily_cap_reached"
	ReasonAlreadySentThisPeriod Reason = "already_sent_this_period"

	// ReasonPreferenceUnavailable is used by the pipeline when the
	// preference lookup keeps failing and it falls back to suppression.
	ReasonPreferenceUnavailable Reason = "preference_unavailable"
)

// Input is the full decision snapshot. Callers take it once per decision
// and never re-fetch mid-decision.
type Input struct {
	Now      time.Time
	Location *time.Location

	Settings pref.Settings
	Pref     pref.Preference
	Category template.Category

	// SentToday counts today's sent records for the user across all
	// templates (local day boundary).
	SentToday int

	// SentInWindow counts sent records for this exact template within the
	// frequency window. Ignored for immediate frequency.
	SentInWindow int
}

type Decision struct {
	Allow  bool
	Reason Reason
}

func allow() Decision            { return Decision{Allow: true} }
func suppress(r Reason) Decision { return Decision{Reason: r} }

// Decide applies the suppression rules in order; the first matching rule
// wins. The ordering is a contract:
//
//  1. global kill-switch
//  2. per-template enablement
//  3. quiet hours (per-user override when set, support category bypasses)
//  4. daily cap (per-user override when set)
//  5. per-frequency dedup
func Decide(in Input) Decision {
	if !in.Settings.Enabled {
		return suppress(ReasonGlobalDisabled)
	}
	if !in.Pref.Enabled {
		return suppress(ReasonTemplateDisabled)
	}

	loc := in.Location
	if loc == nil {
		loc = time.Local
	}
	now := in.Now.In(loc)

	qs, qe := in.Settings.QuietHoursStart, in.Settings.QuietHoursEnd
	if in.Pref.QuietHoursStart != "" && in.Pref.QuietHoursEnd != "" {
		qs, qe = in.Pref.QuietHoursStart, in.Pref.QuietHoursEnd
	}
	if in.Category != template.CategorySupport && inQuietHours(now, qs, qe) {
		return suppress(ReasonQuietHours)
	}

	limit := in.Settings.MaxPerDay
	if in.Pref.MaxPerDay > 0 {
		limit = in.Pref.MaxPerDay
	}
	if limit > 0 && in.SentToday >= limit {
		return suppress(ReasonDailyCapReached)
	}

	if in.Pref.Frequency != template.FrequencyImmediate && in.SentInWindow > 0 {
		return suppress(ReasonAlreadySentThisPeriod)
	}

	return allow()
}

// inQuietHours reports whether now (already localized) falls inside
// [start, end). start > end means the window spans midnight.
func inQuietHours(now time.Time, start, end string) bool {
	sh, sm, err := ParseHHMM(start)
	if err != nil {
		return false
	}
	eh, em, err := ParseHHMM(end)
	if err != nil {
		return false
	}
	s := sh*60 + sm
	e := eh*60 + em
	if s == e {
		return false
	}
	n := now.Hour()*60 + now.Minute()
	if s < e {
		return n >= s && n < e
	}
	// Wrap-around: e.g. 22:00-08:00.
	return n >= s || n < e
}

// DayStart returns local midnight for now. The daily cap and the daily
// dedup window both use this boundary.
func DayStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
}

// WindowStart returns the start of the dedup window for a frequency.
// Immediate has no window and returns the zero time.
func WindowStart(f template.Frequency, now time.Time, loc *time.Location) time.Time {
	switch f {
	case template.FrequencyDaily:
		return DayStart(now, loc)
	case template.FrequencyWeekly:
		return now.AddDate(0, 0, -7)
	case template.FrequencyMonthly:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

// ParseHHMM parses a "HH:MM" clock string.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
