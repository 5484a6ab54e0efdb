package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	got, err := RenderTemplate("Solve: {{.Input}} ({{.Instruction}})", map[string]interface{}{
		"Input":       "2+2",
		"Instruction": "arithmetic",
	})
	if err != nil {
		t.Fatalf("RenderTemplate failed: %v", err)
	}
	if got != "Solve: 2+2 (arithmetic)" {
		t.Errorf("got %q", got)
	}
}

func TestRenderTemplateMissingKeyRendersEmpty(t *testing.T) {
	got, err := RenderTemplate("a{{.Missing}}b", map[string]interface{}{})
	if err != nil {
		t.Fatalf("RenderTemplate failed: %v", err)
	}
	if got != "a<no value>b" && got != "ab" {
		t.Errorf("got %q", got)
	}
}

func TestRenderTemplateRejectsForbiddenDirectives(t *testing.T) {
	for _, tmpl := range []string{
		`{{call .F}}`,
		`{{define "x"}}y{{end}}`,
		`{{template "x"}}`,
		`{{block "x" .}}y{{end}}`,
	} {
		if _, err := RenderTemplate(tmpl, nil); err == nil {
			t.Errorf("expected error for %q", tmpl)
		} else if !strings.Contains(err.Error(), "forbidden directive") {
			t.Errorf("unexpected error for %q: %v", tmpl, err)
		}
	}
}

func TestRenderTemplateParseError(t *testing.T) {
	if _, err := RenderTemplate("{{.Unclosed", nil); err == nil {
		t.Error("expected parse error")
	}
}
