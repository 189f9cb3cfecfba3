package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/redact"
)

type pattern struct {
	raw string
	re  *regexp.Regexp
}

// Set is the compiled rule lists for one target. It is immutable once built.
type Set struct {
	allowSubcommands []string
	denySubcommands  []string
	allowPatterns    []pattern
	denyPatterns     []pattern
	requirePatterns  []pattern
	interactive      []pattern
	allowedNS        []string
	deniedNS         []string
	protectedPaths   []string
	maxOutputLines   int
	redactor         *redact.Redactor
	alwaysConfirm    bool
	confirmMessage   string
}

// Compile validates and compiles a policy spec. Patterns match
// case-insensitively.
func Compile(spec config.PolicySpec) (*Set, error) {
	if len(spec.AllowPatterns) > 0 && len(spec.RequirePatterns) > 0 {
		return nil, fmt.Errorf("allow_patterns and require_patterns cannot be combined")
	}
	s := &Set{
		allowSubcommands: cleanList(spec.AllowSubcommands),
		denySubcommands:  cleanList(spec.DenySubcommands),
		allowedNS:        cleanList(spec.AllowedNamespaces),
		deniedNS:         cleanList(spec.DeniedNamespaces),
		protectedPaths:   cleanList(spec.ProtectedPaths),
		maxOutputLines:   spec.MaxOutputLines,
	}
	var err error
	if s.allowPatterns, err = compilePatterns("allow_patterns", spec.AllowPatterns); err != nil {
		return nil, err
	}
	if s.denyPatterns, err = compilePatterns("deny_patterns", spec.DenyPatterns); err != nil {
		return nil, err
	}
	if s.requirePatterns, err = compilePatterns("require_patterns", spec.RequirePatterns); err != nil {
		return nil, err
	}
	if s.interactive, err = compilePatterns("interactive_patterns", spec.InteractivePatterns); err != nil {
		return nil, err
	}
	if s.redactor, err = redact.Compile(spec.RedactPatterns); err != nil {
		return nil, err
	}
	return s, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(spec config.PolicySpec) *Set {
	s, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// WithConfirm returns a copy that requires confirmation for every call that
// passes the deny rules.
func (s *Set) WithConfirm(message string) *Set {
	cp := *s
	cp.alwaysConfirm = true
	cp.confirmMessage = message
	return &cp
}

// MaxOutputLines is the output line cap; zero means unlimited.
func (s *Set) MaxOutputLines() int {
	if s == nil {
		return 0
	}
	return s.maxOutputLines
}

// Redactor returns the output redactor for this target.
func (s *Set) Redactor() *redact.Redactor {
	if s == nil {
		return nil
	}
	return s.redactor
}

func compilePatterns(kind string, exprs []string) ([]pattern, error) {
	out := make([]pattern, 0, len(exprs))
	for _, expr := range exprs {
		if expr == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", kind, expr, err)
		}
		out = append(out, pattern{raw: expr, re: re})
	}
	return out, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
