package util

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractJSONCodeBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "json code block",
			input: "Here is the result:\n```json\n{\"input\": \"q\"}\n```\nDone.",
			want:  `{"input": "q"}`,
		},
		{
			name:  "bare code block",
			input: "```\n[{\"a\": 1}]\n```",
			want:  `[{"a": 1}]`,
		},
		{
			name:  "no code block, object with prose",
			input: "Sure! {\"input\": \"q\", \"output\": \"a\"} hope that helps",
			want:  `{"input": "q", "output": "a"}`,
		},
		{
			name:  "array preferred over object",
			input: "[{\"a\": 1}, {\"a\": 2}]",
			want:  `[{"a": 1}, {"a": 2}]`,
		},
		{
			name:  "brackets inside strings ignored",
			input: `{"text": "an [aside] with } brace"}`,
			want:  `{"text": "an [aside] with } brace"}`,
		},
		{
			name:  "truncated array gets closed",
			input: `[{"input": "first"}, {"input": "second`,
			want:  `[{"input": "first"}, {"input": "second]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSON(tt.input)
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeJSONNewlinesInStrings(t *testing.T) {
	input := "{\"output\": \"line one\nline two\"}"
	got := SanitizeJSON(input)

	var parsed map[string]string
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("sanitized JSON does not parse: %v\n%s", err, got)
	}
	if parsed["output"] != "line one\nline two" {
		t.Errorf("unexpected value: %q", parsed["output"])
	}
}

func TestSanitizeJSONCRLF(t *testing.T) {
	input := "{\"a\": \"x\r\ny\"}"
	got := SanitizeJSON(input)
	if strings.Contains(got, "\r") {
		t.Errorf("carriage return survived: %q", got)
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("sanitized JSON does not parse: %v", err)
	}
}

func TestSanitizeJSONLeavesStructureAlone(t *testing.T) {
	input := "{\n  \"a\": \"b\"\n}"
	if got := SanitizeJSON(input); got != input {
		t.Errorf("structural newlines changed: %q", got)
	}
}

func TestSanitizeJSONEscapedQuotes(t *testing.T) {
	input := `{"a": "he said \"hi\"\nthere"}`
	got := SanitizeJSON(input)
	if got != input {
		t.Errorf("already-escaped input changed: %q", got)
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("short string changed: %q", got)
	}
	if got := TruncateString("abcdefgh", 5); got != "abcde..." {
		t.Errorf("got %q", got)
	}
	// rune-safe
	if got := TruncateString("héllo wörld", 4); got != "héll..." {
		t.Errorf("got %q", got)
	}
}
