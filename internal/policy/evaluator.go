package policy

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Evaluator performs pure policy decisions against one compiled Set.
type Evaluator struct {
	set *Set
}

// NewEvaluator binds an evaluator to a policy set. A nil set allows
// everything.
func NewEvaluator(set *Set) Evaluator {
	return Evaluator{set: set}
}

// Evaluate returns a deterministic decision for the input. Deny rules are
// checked before allow rules, and specific rules before general ones.
func (e Evaluator) Evaluate(in Input) Decision {
	s := e.set
	command := commandLine(in)
	if s == nil {
		return Decision{Action: ActionAllow, Command: command}
	}

	subject := in.Args
	subcommand := in.Tool
	if in.Tool == "" {
		subcommand = leadingToken(in.Args)
	} else {
		subject = canonicalArgs(in.Structured)
	}

	deny := func(rule Rule, pat, msg string) Decision {
		return Decision{Action: ActionDeny, Rule: rule, Pattern: pat, Command: command, Message: msg}
	}

	if len(s.allowSubcommands) > 0 && !slices.Contains(s.allowSubcommands, subcommand) {
		return deny(RuleAllowSubcommands, strings.Join(s.allowSubcommands, ", "),
			fmt.Sprintf("Subcommand '%s' is not in the allow list.", subcommand))
	}
	if slices.Contains(s.denySubcommands, subcommand) {
		return deny(RuleDenySubcommands, subcommand,
			fmt.Sprintf("Subcommand '%s' is explicitly denied.", subcommand))
	}

	for _, p := range s.denyPatterns {
		if p.re.MatchString(subject) {
			return deny(RuleDenyPatterns, p.raw, "Command matched a denied pattern.")
		}
	}

	if len(s.protectedPaths) > 0 && in.Structured != nil {
		for _, value := range stringValues(in.Structured) {
			for _, protected := range s.protectedPaths {
				if strings.Contains(value, protected) {
					return deny(RuleProtectedPaths, protected, "Cannot access protected path.")
				}
			}
		}
	}

	if len(s.allowPatterns) > 0 {
		matched := false
		for _, p := range s.allowPatterns {
			if p.re.MatchString(subject) {
				matched = true
				break
			}
		}
		if !matched {
			return deny(RuleAllowPatterns, joinPatterns(s.allowPatterns), "Command did not match any allowed pattern.")
		}
	}

	for _, p := range s.requirePatterns {
		if !p.re.MatchString(subject) {
			return deny(RuleRequirePatterns, p.raw, "Command is missing a required pattern.")
		}
	}

	if len(s.allowedNS) > 0 || len(s.deniedNS) > 0 {
		namespaces, ok := extractNamespaces(in.Args)
		if !ok {
			return deny(RuleAllowedNamespaces, "-n/--namespace", "Namespace flag is missing its value.")
		}
		for _, ns := range namespaces {
			if slices.Contains(s.deniedNS, ns) {
				return deny(RuleDeniedNamespaces, strings.Join(s.deniedNS, ", "),
					fmt.Sprintf("Namespace '%s' is denied.", ns))
			}
			if len(s.allowedNS) > 0 && !slices.Contains(s.allowedNS, ns) {
				return deny(RuleAllowedNamespaces, strings.Join(s.allowedNS, ", "),
					fmt.Sprintf("Namespace '%s' is not allowed.", ns))
			}
		}
	}

	for _, p := range s.interactive {
		if p.re.MatchString(subject) {
			return Decision{
				Action:  ActionRequireConfirmation,
				Rule:    RuleInteractivePatterns,
				Pattern: p.raw,
				Command: command,
				Message: "This command requires confirmation.",
			}
		}
	}

	if s.alwaysConfirm {
		msg := s.confirmMessage
		if msg == "" {
			msg = fmt.Sprintf("Execute %s?", in.Target)
		}
		return Decision{Action: ActionRequireConfirmation, Rule: RuleConfirm, Command: command, Message: msg}
	}

	return Decision{Action: ActionAllow, Command: command}
}

func commandLine(in Input) string {
	parts := make([]string, 0, 3)
	if in.Target != "" {
		parts = append(parts, in.Target)
	}
	if in.Tool != "" {
		parts = append(parts, in.Tool)
		if len(in.Structured) > 0 {
			parts = append(parts, canonicalArgs(in.Structured))
		}
	} else if in.Args != "" {
		parts = append(parts, in.Args)
	}
	return strings.Join(parts, " ")
}

func leadingToken(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// canonicalArgs renders structured arguments deterministically; map keys are
// sorted by encoding/json.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}

func stringValues(v any) []string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			out = append(out, val...)
		}
	}
	walk(v)
	return out
}

// extractNamespaces returns every namespace named by -n or --namespace. The
// accepted forms are "-n v", "-n=v", "--namespace v" and "--namespace=v".
// ok is false when a flag has no value.
func extractNamespaces(args string) ([]string, bool) {
	tokens, err := shellquote.Split(args)
	if err != nil {
		tokens = strings.Fields(args)
	}
	var out []string
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "-n" || tok == "--namespace":
			if i+1 >= len(tokens) || strings.HasPrefix(tokens[i+1], "-") {
				return nil, false
			}
			out = append(out, tokens[i+1])
			i++
		case strings.HasPrefix(tok, "--namespace="):
			v := strings.TrimPrefix(tok, "--namespace=")
			if v == "" {
				return nil, false
			}
			out = append(out, v)
		case strings.HasPrefix(tok, "-n="):
			v := strings.TrimPrefix(tok, "-n=")
			if v == "" {
				return nil, false
			}
			out = append(out, v)
		}
	}
	return out, true
}

func joinPatterns(ps []pattern) string {
	raw := make([]string, len(ps))
	for i, p := range ps {
		raw[i] = p.raw
	}
	return strings.Join(raw, ", ")
}
