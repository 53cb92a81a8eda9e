package diag

import "strings"

const mask = "***"

// Redactor scrubs configured secrets out of strings before they are
// persisted. Values shorter than four characters are ignored so a
// degenerate secret cannot blank out whole lines.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a redactor over the given secret values.
func NewRedactor(secrets []string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if len(s) >= 4 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Redact replaces every occurrence of a known secret with a mask.
func (r *Redactor) Redact(s string) string {
	if s == "" || len(r.secrets) == 0 {
		return s
	}
	for _, sec := range r.secrets {
		s = strings.ReplaceAll(s, sec, mask)
	}
	return s
}
