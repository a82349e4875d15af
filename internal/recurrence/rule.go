// Package recurrence represents calendar-anchored schedules as pure
// values: a Rule is "the next fire time after t", with no timer state
// attached. Skipped slots during downtime still land on the correct
// calendar slot after a restart because Next is computed from the last
// planned slot, never from wall-clock fire time.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notifyd/internal/gate"
)

// Jobs are minute-granular: standard 5-field specs plus descriptors
// like "@daily". No optional seconds field.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var ErrInvalidSpec = errors.New("invalid recurrence spec")

// Rule is an immutable recurrence schedule. The zero Rule means
// "no recurrence" (one-shot jobs).
type Rule struct {
	spec  string
	sched cron.Schedule
}

// Parse validates and compiles a cron spec.
func Parse(spec string) (Rule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Rule{}, fmt.Errorf("%w: empty spec", ErrInvalidSpec)
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	return Rule{spec: spec, sched: sched}, nil
}

// MustParse is for built-in specs that are known-valid.
func MustParse(spec string) Rule {
	r, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) IsZero() bool { return r.sched == nil }

// Spec returns the original cron expression (persisted form).
func (r Rule) Spec() string { return r.spec }

// Next returns the first fire time strictly after t, in t's location.
func (r Rule) Next(t time.Time) time.Time {
	if r.sched == nil {
		return time.Time{}
	}
	return r.sched.Next(t)
}

// Daily builds a rule firing every day at the given "HH:MM".
func Daily(hhmm string) (Rule, error) {
	h, m, err := gate.ParseHHMM(hhmm)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return Parse(fmt.Sprintf("%d %d * * *", m, h))
}

// Weekly builds a rule firing on the given weekday at "HH:MM".
func Weekly(weekday time.Weekday, hhmm string) (Rule, error) {
	h, m, err := gate.ParseHHMM(hhmm)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return Parse(fmt.Sprintf("%d %d * * %d", m, h, int(weekday)))
}

// MonthlyDay builds a rule firing on the given day of month at "HH:MM".
func MonthlyDay(day int, hhmm string) (Rule, error) {
	if day < 1 || day > 28 {
		// 29-31 would silently skip short months; callers that want that
		// pass a raw spec instead.
		return Rule{}, fmt.Errorf("%w: day of month %d out of range 1-28", ErrInvalidSpec, day)
	}
	h, m, err := gate.ParseHHMM(hhmm)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return Parse(fmt.Sprintf("%d %d %d * *", m, h, day))
}
