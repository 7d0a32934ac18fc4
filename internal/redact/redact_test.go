package redact

import (
	"errors"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		secrets []string
		in      string
		want    string
	}{
		{
			name:    "single occurrence",
			secrets: []string{"hf_abc123"},
			in:      "token=hf_abc123 sent",
			want:    "token=[redacted] sent",
		},
		{
			name:    "multiple occurrences",
			secrets: []string{"s3cret"},
			in:      "s3cret and again s3cret",
			want:    "[redacted] and again [redacted]",
		},
		{
			name:    "multiple secrets",
			secrets: []string{"alpha", "bravo"},
			in:      "alpha/bravo",
			want:    "[redacted]/[redacted]",
		},
		{
			name:    "case sensitive",
			secrets: []string{"Secret"},
			in:      "secret stays, Secret goes",
			want:    "secret stays, [redacted] goes",
		},
		{
			name:    "short values ignored",
			secrets: []string{"a", "ab"},
			in:      "a b ab",
			want:    "a b ab",
		},
		{
			name:    "no secrets",
			secrets: nil,
			in:      "plain text",
			want:    "plain text",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := New(tt.secrets...)
			if got := r.Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromSecrets(t *testing.T) {
	t.Parallel()

	r := FromSecrets(map[string]string{
		"HF_TOKEN": "hf_verysecret",
		"API_KEY":  "key-12345",
	})

	out := r.Redact("payload: hf_verysecret key-12345")
	if strings.Contains(out, "hf_verysecret") || strings.Contains(out, "key-12345") {
		t.Errorf("secret value leaked: %q", out)
	}
	if out != "payload: [redacted] [redacted]" {
		t.Errorf("unexpected redaction output: %q", out)
	}
}

func TestRedactErr(t *testing.T) {
	t.Parallel()

	r := New("topsecret")
	if got := r.RedactErr(errors.New("request failed: topsecret rejected")); got != "request failed: [redacted] rejected" {
		t.Errorf("RedactErr = %q", got)
	}
	if got := r.RedactErr(nil); got != "" {
		t.Errorf("RedactErr(nil) = %q, want empty", got)
	}
}

func TestNilRedactor(t *testing.T) {
	t.Parallel()

	var r *Redactor
	if got := r.Redact("untouched"); got != "untouched" {
		t.Errorf("nil redactor modified input: %q", got)
	}
}
