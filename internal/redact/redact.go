// Package redact masks sensitive values in captured command output.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces every redacted value.
const Marker = "[REDACTED]"

// Redactor replaces the value that follows each configured label, keeping
// the label itself, and masks known secret values wherever they appear.
type Redactor struct {
	labels  []*regexp.Regexp
	secrets []string
}

// Compile builds a redactor from label patterns. A pattern such as
// "password" turns "password: hunter2" into "password=[REDACTED]".
func Compile(patterns []string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(` + p + `)\s*[=:]?\s*\S+`)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		r.labels = append(r.labels, re)
	}
	return r, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(patterns ...string) *Redactor {
	r, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return r
}

// WithSecrets returns a copy that also masks each literal value.
func (r *Redactor) WithSecrets(values []string) *Redactor {
	out := &Redactor{}
	if r != nil {
		out.labels = r.labels
		out.secrets = append(out.secrets, r.secrets...)
	}
	for _, v := range values {
		if v != "" {
			out.secrets = append(out.secrets, v)
		}
	}
	return out
}

// Empty reports whether the redactor would leave every input unchanged.
func (r *Redactor) Empty() bool {
	return r == nil || (len(r.labels) == 0 && len(r.secrets) == 0)
}

// Apply returns s with labelled values and known secrets masked.
func (r *Redactor) Apply(s string) string {
	if r.Empty() || s == "" {
		return s
	}
	for _, re := range r.labels {
		s = re.ReplaceAllString(s, "${1}="+Marker)
	}
	for _, v := range r.secrets {
		s = strings.ReplaceAll(s, v, Marker)
	}
	return s
}
