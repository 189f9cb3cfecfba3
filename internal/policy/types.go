package policy

import (
	"fmt"
	"strings"
)

// Action is the policy decision for a tool call.
type Action string

const (
	ActionAllow               Action = "allow"
	ActionDeny                Action = "deny"
	ActionRequireConfirmation Action = "require_confirmation"
)

// Rule names the rule kind that produced a decision.
type Rule string

const (
	RuleAllowSubcommands    Rule = "allow_subcommands"
	RuleDenySubcommands     Rule = "deny_subcommands"
	RuleDenyPatterns        Rule = "deny_patterns"
	RuleProtectedPaths      Rule = "protected_paths"
	RuleAllowPatterns       Rule = "allow_patterns"
	RuleRequirePatterns     Rule = "require_patterns"
	RuleAllowedNamespaces   Rule = "allowed_namespaces"
	RuleDeniedNamespaces    Rule = "denied_namespaces"
	RuleInteractivePatterns Rule = "interactive_patterns"
	RuleConfirm             Rule = "confirm"
)

// Input is the evaluation context for one call.
type Input struct {
	// Target is the governed command or provider, e.g. "kubectl".
	Target string
	// Args is the raw argument string for shell targets.
	Args string
	// Tool is set for non-shell targets and acts as the subcommand.
	Tool string
	// Structured holds tool-call arguments for non-shell targets.
	Structured map[string]any
}

// Decision is the immutable policy result.
type Decision struct {
	Action  Action
	Rule    Rule
	Pattern string
	Command string
	Message string
}

// Allowed reports whether the call may execute without further input.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Diagnostic renders the stable user-facing violation text.
func (d Decision) Diagnostic() string {
	if d.Action == ActionAllow {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Blocked by: %s\n", d.Rule)
	fmt.Fprintf(&b, "Pattern: %s\n", d.Pattern)
	fmt.Fprintf(&b, "Command: %s\n", d.Command)
	b.WriteString(d.Message)
	return b.String()
}

// Prompt is the text shown to the caller when confirmation is required.
func (d Decision) Prompt() string {
	if d.Action != ActionRequireConfirmation {
		return ""
	}
	return fmt.Sprintf("%s\nCommand: %s", d.Message, d.Command)
}
