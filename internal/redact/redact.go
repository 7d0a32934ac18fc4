// Package redact masks registered secret values in client-side diagnostics.
//
// Redaction is a display-time concern for the client's own output (echoed
// configuration, error messages carrying request payloads). It does not touch
// the log transport and is explicitly best-effort: matching is byte-exact and
// case-sensitive, so transformed or partially leaked values pass through.
// It is not a security boundary.
package redact

import "strings"

// Mask is the fixed token substituted for secret values.
const Mask = "[redacted]"

// minSecretLen guards against registering values so short that masking them
// would shred unrelated output.
const minSecretLen = 4

// Redactor replaces exact occurrences of registered secret values.
// The zero value redacts nothing.
type Redactor struct {
	replacer *strings.Replacer
}

// New creates a Redactor for the given secret values. Values shorter than
// four bytes are ignored.
func New(values ...string) *Redactor {
	pairs := make([]string, 0, 2*len(values))
	for _, v := range values {
		if len(v) < minSecretLen {
			continue
		}
		pairs = append(pairs, v, Mask)
	}
	if len(pairs) == 0 {
		return &Redactor{}
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// FromSecrets creates a Redactor for all values of a secret map.
func FromSecrets(secrets map[string]string) *Redactor {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		values = append(values, v)
	}
	return New(values...)
}

// Redact returns s with every registered secret value replaced by Mask.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}

// RedactErr returns the error text with secrets masked, or "" for nil.
func (r *Redactor) RedactErr(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
