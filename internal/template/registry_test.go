package template

import (
	"errors"
	"strings"
	"testing"
)

func TestResolveSubstitutesVariables(t *testing.T) {
	t.Parallel()
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := r.Resolve("mood_reminder", map[string]string{"userName": "Ann"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.Contains(got.Body, "Ann") {
		t.Fatalf("body %q does not contain substituted name", got.Body)
	}
	if strings.Contains(got.Title+got.Body, "{userName}") {
		t.Fatalf("unresolved placeholder left in output: %q / %q", got.Title, got.Body)
	}
	if got.Category != CategoryReminder {
		t.Fatalf("category = %s, want %s", got.Category, CategoryReminder)
	}
}

func TestResolveMissingVariable(t *testing.T) {
	t.Parallel()
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = r.Resolve("mood_reminder", nil)
	var mv MissingVariableError
	if !errors.As(err, &mv) {
		t.Fatalf("err = %v, want MissingVariableError", err)
	}
	if mv.Name != "userName" {
		t.Fatalf("missing variable = %q, want userName", mv.Name)
	}
}

func TestResolveUnknownTemplate(t *testing.T) {
	t.Parallel()
	r, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = r.Resolve("no_such_template", nil)
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("err = %v, want ErrUnknownTemplate", err)
	}
}

func TestOverridesReplaceAndExtend(t *testing.T) {
	t.Parallel()
	r, err := New([]Template{
		{ID: "mood_reminder", Category: CategoryReminder, TitlePattern: "Hi", BodyPattern: "Custom body for {userName}", DefaultFrequency: FrequencyDaily},
		{ID: "custom_tip", Category: CategoryInsight, TitlePattern: "Tip", BodyPattern: "Did you know? {tip}", DefaultFrequency: FrequencyWeekly},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := r.Resolve("mood_reminder", map[string]string{"userName": "Bo"})
	if err != nil {
		t.Fatalf("Resolve override: %v", err)
	}
	if got.Body != "Custom body for Bo" {
		t.Fatalf("body = %q, want override body", got.Body)
	}
	if _, err := r.Lookup("custom_tip"); err != nil {
		t.Fatalf("Lookup extension: %v", err)
	}
}

func TestNewRejectsBadOverrides(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Template
	}{
		{name: "blank id", in: Template{BodyPattern: "x"}},
		{name: "blank body", in: Template{ID: "x"}},
		{name: "bad category", in: Template{ID: "x", BodyPattern: "y", Category: "breaking_news"}},
		{name: "bad frequency", in: Template{ID: "x", BodyPattern: "y", DefaultFrequency: "hourly"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New([]Template{tt.in}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
