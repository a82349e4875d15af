// Package template holds the notification template registry: the
// append-only table mapping template ids to title/body patterns and a
// category, plus placeholder substitution.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category classifies a template for gating purposes. Support-category
// notifications bypass quiet hours.
type Category string

const (
	CategoryReminder     Category = "reminder"
	CategoryInsight      Category = "insight"
	CategoryIntervention Category = "intervention"
	CategoryAchievement  Category = "achievement"
	CategoryPromotion    Category = "promotion"
	CategorySupport      Category = "support"
)

// Frequency is the default send cadence a template suggests when a user
// has no explicit preference for it.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
)

// Template is immutable once loaded into the registry.
type Template struct {
	ID               string
	Category         Category
	TitlePattern     string
	BodyPattern      string
	DefaultFrequency Frequency
}

// Rendered is the resolved, ready-to-send content. It is transient and
// never persisted.
type Rendered struct {
	Title    string
	Body     string
	Category Category
}

var ErrUnknownTemplate = errors.New("unknown template")

// MissingVariableError reports a placeholder the caller did not supply.
// Unresolved placeholders are a hard error rather than silently emitting
// empty text.
type MissingVariableError struct {
	Name string
}

func (e MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable %q", e.Name)
}

// placeholderRe matches {name} tokens. Names are identifier-like so
// literal braces in body text don't trip substitution.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Registry is a read-only lookup table after New returns. Lookups are
// O(1) and side-effect free.
type Registry struct {
	byID map[string]Template
}

// New builds a registry from the built-in table plus overrides. An
// override with an existing id replaces the built-in template; new ids
// are appended. Templates with a blank id or blank body are rejected.
func New(overrides []Template) (*Registry, error) {
	byID := make(map[string]Template, len(builtins)+len(overrides))
	for _, t := range builtins {
		byID[t.ID] = t
	}
	for _, t := range overrides {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			return nil, errors.New("template id required")
		}
		if strings.TrimSpace(t.BodyPattern) == "" {
			return nil, fmt.Errorf("template %q: body pattern required", t.ID)
		}
		if t.Category == "" {
			t.Category = CategoryReminder
		}
		if !validCategory(t.Category) {
			return nil, fmt.Errorf("template %q: unknown category %q", t.ID, t.Category)
		}
		if t.DefaultFrequency == "" {
			t.DefaultFrequency = FrequencyImmediate
		}
		if !ValidFrequency(t.DefaultFrequency) {
			return nil, fmt.Errorf("template %q: unknown frequency %q", t.ID, t.DefaultFrequency)
		}
		byID[t.ID] = t
	}
	return &Registry{byID: byID}, nil
}

// Lookup returns the template for id.
func (r *Registry) Lookup(id string) (Template, error) {
	t, ok := r.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	return t, nil
}

// Resolve renders the template with the supplied variables. Every
// placeholder the template declares must be present in vars.
func (r *Registry) Resolve(id string, vars map[string]string) (Rendered, error) {
	t, err := r.Lookup(id)
	if err != nil {
		return Rendered{}, err
	}
	title, err := substitute(t.TitlePattern, vars)
	if err != nil {
		return Rendered{}, err
	}
	body, err := substitute(t.BodyPattern, vars)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Title: title, Body: body, Category: t.Category}, nil
}

// IDs returns all template ids, sorted. Used by diagnostics.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func substitute(pattern string, vars map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(pattern, func(tok string) string {
		name := tok[1 : len(tok)-1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return tok
		}
		return v
	})
	if missing != "" {
		return "", MissingVariableError{Name: missing}
	}
	return out, nil
}

func validCategory(c Category) bool {
	switch c {
	case CategoryReminder, CategoryInsight, CategoryIntervention,
		CategoryAchievement, CategoryPromotion, CategorySupport:
		return true
	}
	return false
}

// ValidFrequency reports whether f is one of the known cadences.
func ValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}
