package config

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Config root configuration
type Config struct {
	Poni        PoniConfig            `mapstructure:"poni"`
	Secrets     SecretsConfig         `mapstructure:"secrets"`
	Log         LogConfig             `mapstructure:"log"`
	Executor    ExecutorConfig        `mapstructure:"executor"`
	MCPs        map[string]MCPConfig  `mapstructure:"mcps"`
	CLI         map[string]CLIConfig  `mapstructure:"cli"`
	Tools       map[string]ToolConfig `mapstructure:"tools"`
	Enforcement EnforcementConfig     `mapstructure:"enforcement"`
	Lifecycle   LifecycleConfig       `mapstructure:"lifecycle"`

	secretValues []string
	secretKeys   []string
}

// PoniConfig project metadata
type PoniConfig struct {
	Version        string `mapstructure:"version"`
	Preset         string `mapstructure:"preset"`
	Detected       bool   `mapstructure:"detected"`
	PackageManager string `mapstructure:"package_manager"`
}

// SecretsConfig secret source settings
type SecretsConfig struct {
	Source string `mapstructure:"source"`
	File   string `mapstructure:"file"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ExecutorConfig subprocess limits
type ExecutorConfig struct {
	MaxParallel    int           `mapstructure:"max_parallel"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// PolicySpec is the raw rule lists attached to one target.
type PolicySpec struct {
	AllowSubcommands    []string `mapstructure:"allow_subcommands"`
	DenySubcommands     []string `mapstructure:"deny_subcommands"`
	AllowPatterns       []string `mapstructure:"allow_patterns"`
	DenyPatterns        []string `mapstructure:"deny_patterns"`
	RequirePatterns     []string `mapstructure:"require_patterns"`
	InteractivePatterns []string `mapstructure:"interactive_patterns"`
	RedactPatterns      []string `mapstructure:"redact_patterns"`
	AllowedNamespaces   []string `mapstructure:"allowed_namespaces"`
	DeniedNamespaces    []string `mapstructure:"denied_namespaces"`
	ProtectedPaths      []string `mapstructure:"protected_paths"`
	MaxOutputLines      int      `mapstructure:"max_output_lines"`
}

// ToolFilter provider-level tool name filter.
type ToolFilter struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// MCPConfig child tool server settings
type MCPConfig struct {
	Command  string            `mapstructure:"command"`
	Args     []string          `mapstructure:"args"`
	Env      map[string]string `mapstructure:"env"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Tools    ToolFilter        `mapstructure:"tools"`
	Policies PolicySpec        `mapstructure:"policies"`
}

// CLIConfig wrapped command line tool settings
type CLIConfig struct {
	Description string            `mapstructure:"description"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Policies    PolicySpec        `mapstructure:"policies"`
}

// ToolConfig custom team script settings
type ToolConfig struct {
	Description     string            `mapstructure:"description"`
	Command         string            `mapstructure:"command"`
	Args            []string          `mapstructure:"args"`
	OptionalArgs    []string          `mapstructure:"optional_args"`
	WorkingDir      string            `mapstructure:"working_dir"`
	Env             map[string]string `mapstructure:"env"`
	Confirm         bool              `mapstructure:"confirm"`
	ConfirmMessage  string            `mapstructure:"confirm_message"`
	AllowedBranches []string          `mapstructure:"allowed_branches"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Policies        PolicySpec        `mapstructure:"policies"`
}

// EnforcementConfig git lifecycle rule settings
type EnforcementConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Parallel bool         `mapstructure:"parallel"`
	Rules    []RuleConfig `mapstructure:"rules"`
}

// RuleConfig one enforcement rule
type RuleConfig struct {
	Name           string        `mapstructure:"name"`
	Trigger        string        `mapstructure:"trigger"`
	Command        string        `mapstructure:"command"`
	Fix            string        `mapstructure:"fix"`
	Check          string        `mapstructure:"check"`
	Pattern        []string      `mapstructure:"pattern"`
	Exclude        []string      `mapstructure:"exclude"`
	DenyPattern    string        `mapstructure:"deny_pattern"`
	RequirePattern string        `mapstructure:"require_pattern"`
	TestPattern    string        `mapstructure:"test_pattern"`
	Target         string        `mapstructure:"target"`
	Protected      []string      `mapstructure:"protected"`
	StagedOnly     bool          `mapstructure:"staged_only"`
	AutoStage      bool          `mapstructure:"auto_stage"`
	Message        string        `mapstructure:"message"`
	Enabled        *bool         `mapstructure:"enabled"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// IsEnabled reports whether the rule participates in its trigger.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// LifecycleConfig agent workflow hook settings
type LifecycleConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Hooks   []HookConfig `mapstructure:"hooks"`
}

// HookConfig one lifecycle hook
type HookConfig struct {
	Name           string        `mapstructure:"name"`
	Trigger        string        `mapstructure:"trigger"`
	Pattern        []string      `mapstructure:"pattern"`
	Commands       []string      `mapstructure:"commands"`
	Checks         []string      `mapstructure:"checks"`
	BlockUntilPass bool          `mapstructure:"block_until_pass"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Message        string        `mapstructure:"message"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

const (
	TriggerPreCommit = "pre-commit"
	TriggerPrePush   = "pre-push"
)

// Check kinds accepted in enforcement rules.
const (
	CheckPatternAbsent    = "pattern-absent"
	CheckPatternPresent   = "pattern-present"
	CheckTestCoverage     = "test-coverage"
	CheckFilePair         = "file-pair"
	CheckBranchProtection = "branch-protection"
)

var knownChecks = map[string]bool{
	CheckPatternAbsent:    true,
	CheckPatternPresent:   true,
	CheckTestCoverage:     true,
	CheckFilePair:         true,
	CheckBranchProtection: true,
}

const (
	DefaultToolTimeout  = 60 * time.Second
	DefaultRuleTimeout  = 300 * time.Second
	DefaultHookTimeout  = 300 * time.Second
	DefaultMaxRetries   = 3
	DefaultRulePattern  = "**/*"
	DefaultSecretsFile  = ".env"
	DefaultSecretSource = "env"
)

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Poni: PoniConfig{
			Version: "1",
		},
		Secrets: SecretsConfig{
			Source: DefaultSecretSource,
			File:   DefaultSecretsFile,
		},
		Log: LogConfig{
			Level: "info",
		},
		Executor: ExecutorConfig{
			MaxParallel:    runtime.NumCPU(),
			DefaultTimeout: DefaultToolTimeout,
		},
		MCPs:  map[string]MCPConfig{},
		CLI:   map[string]CLIConfig{},
		Tools: map[string]ToolConfig{},
		Enforcement: EnforcementConfig{
			Enabled:  true,
			Parallel: true,
		},
		Lifecycle: LifecycleConfig{
			Enabled: true,
		},
	}
}

// SecretKeys returns the names of the secrets the config references.
func (c *Config) SecretKeys() []string {
	return append([]string(nil), c.secretKeys...)
}

// SecretValues returns the resolved secret values for output masking.
func (c *Config) SecretValues() []string {
	return append([]string(nil), c.secretValues...)
}

// Validate checks the configuration and fills in defaults. Every failure is
// returned as an *Error.
func (c *Config) Validate() error {
	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return newError("log.level", fmt.Sprintf("must be one of debug, info, warn, error; got %q", c.Log.Level))
		}
		c.Log.Level = level
	}

	if src := strings.TrimSpace(c.Secrets.Source); src != "" && src != DefaultSecretSource {
		return newError("secrets.source", fmt.Sprintf("unsupported secret source %q", src))
	}

	if c.Executor.MaxParallel < 0 {
		return newError("executor.max_parallel", fmt.Sprintf("must not be negative, got %d", c.Executor.MaxParallel))
	}
	if c.Executor.MaxParallel == 0 {
		c.Executor.MaxParallel = runtime.NumCPU()
	}
	if c.Executor.DefaultTimeout <= 0 {
		c.Executor.DefaultTimeout = DefaultToolTimeout
	}

	for _, name := range sortedKeys(c.MCPs) {
		m := c.MCPs[name]
		field := "mcps." + name
		if strings.TrimSpace(m.Command) == "" {
			return newError(field+".command", "is required")
		}
		if err := validateFilter(field+".tools", m.Tools); err != nil {
			return err
		}
		if err := validatePolicy(field+".policies", m.Policies); err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(c.CLI) {
		cli := c.CLI[name]
		field := "cli." + name
		if strings.TrimSpace(cli.Command) == "" {
			cli.Command = name
		}
		if cli.Timeout <= 0 {
			cli.Timeout = c.Executor.DefaultTimeout
		}
		if err := validatePolicy(field+".policies", cli.Policies); err != nil {
			return err
		}
		c.CLI[name] = cli
	}

	for _, name := range sortedKeys(c.Tools) {
		tool := c.Tools[name]
		field := "tools." + name
		if strings.TrimSpace(tool.Command) == "" {
			return newError(field+".command", "is required")
		}
		if tool.Timeout <= 0 {
			tool.Timeout = DefaultToolTimeout
		}
		for _, opt := range tool.OptionalArgs {
			if strings.Trim(opt, "-") == "" {
				return newError(field+".optional_args", fmt.Sprintf("invalid flag %q", opt))
			}
		}
		if err := validatePolicy(field+".policies", tool.Policies); err != nil {
			return err
		}
		c.Tools[name] = tool
	}

	ruleNames := make(map[string]int, len(c.Enforcement.Rules))
	for i := range c.Enforcement.Rules {
		if err := c.Enforcement.Rules[i].validate(i); err != nil {
			return err
		}
		name := c.Enforcement.Rules[i].Name
		if prev, ok := ruleNames[name]; ok {
			return newError(fmt.Sprintf("enforcement.rules[%d](%s).name", i, name),
				fmt.Sprintf("duplicates enforcement.rules[%d]", prev))
		}
		ruleNames[name] = i
	}

	hookNames := make(map[string]int, len(c.Lifecycle.Hooks))
	for i := range c.Lifecycle.Hooks {
		if err := c.Lifecycle.Hooks[i].validate(i); err != nil {
			return err
		}
		name := c.Lifecycle.Hooks[i].Name
		if prev, ok := hookNames[name]; ok {
			return newError(fmt.Sprintf("lifecycle.hooks[%d](%s).name", i, name),
				fmt.Sprintf("duplicates lifecycle.hooks[%d]", prev))
		}
		hookNames[name] = i
	}

	return nil
}

func (r *RuleConfig) validate(i int) error {
	field := fmt.Sprintf("enforcement.rules[%d]", i)
	if strings.TrimSpace(r.Name) == "" {
		return newError(field+".name", "is required")
	}
	field = fmt.Sprintf("enforcement.rules[%d](%s)", i, r.Name)

	if r.Trigger == "" {
		r.Trigger = TriggerPreCommit
	}
	if r.Trigger != TriggerPreCommit && r.Trigger != TriggerPrePush {
		return newError(field+".trigger", fmt.Sprintf("must be pre-commit or pre-push; got %q", r.Trigger))
	}

	hasCommand := strings.TrimSpace(r.Command) != ""
	hasCheck := strings.TrimSpace(r.Check) != ""
	switch {
	case hasCommand && hasCheck:
		return newError(field, "sets both command and check")
	case !hasCommand && !hasCheck:
		return newError(field, "needs a command or a check")
	}
	if r.Fix != "" && !hasCommand {
		return newError(field+".fix", "is only valid on command rules")
	}

	if len(r.Pattern) == 0 {
		r.Pattern = []string{DefaultRulePattern}
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultRuleTimeout
	}

	if hasCheck {
		if !knownChecks[r.Check] {
			return newError(field+".check", fmt.Sprintf("unknown check %q", r.Check))
		}
		switch r.Check {
		case CheckPatternAbsent:
			if r.DenyPattern == "" {
				return newError(field+".deny_pattern", "is required for pattern-absent")
			}
		case CheckPatternPresent:
			if r.RequirePattern == "" {
				return newError(field+".require_pattern", "is required for pattern-present")
			}
		case CheckFilePair:
			if r.Target == "" {
				return newError(field+".target", "is required for file-pair")
			}
		case CheckBranchProtection:
			if len(r.Protected) == 0 {
				return newError(field+".protected", "is required for branch-protection")
			}
		}
	}

	for name, expr := range map[string]string{"deny_pattern": r.DenyPattern, "require_pattern": r.RequirePattern} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return wrapError(field+"."+name, "invalid regex", err)
		}
	}
	return nil
}

func (h *HookConfig) validate(i int) error {
	field := fmt.Sprintf("lifecycle.hooks[%d]", i)
	if strings.TrimSpace(h.Name) == "" {
		return newError(field+".name", "is required")
	}
	field = fmt.Sprintf("lifecycle.hooks[%d](%s)", i, h.Name)

	if !ValidHookTrigger(h.Trigger) {
		return newError(field+".trigger", fmt.Sprintf("unknown trigger %q", h.Trigger))
	}
	if len(h.Commands)+len(h.Checks) == 0 {
		return newError(field+".commands", "at least one command is required")
	}
	if h.MaxRetries < 0 {
		return newError(field+".max_retries", fmt.Sprintf("must be positive, got %d", h.MaxRetries))
	}
	if h.MaxRetries == 0 {
		h.MaxRetries = DefaultMaxRetries
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultHookTimeout
	}
	return nil
}

// ValidHookTrigger reports whether s names a lifecycle trigger.
func ValidHookTrigger(s string) bool {
	switch {
	case s == "before_response", s == "on_file_change", s == "after_tool:*":
		return true
	case strings.HasPrefix(s, "after_tool:"):
		return strings.TrimPrefix(s, "after_tool:") != ""
	}
	return false
}

func validateFilter(field string, f ToolFilter) error {
	for _, p := range append(append([]string(nil), f.Allow...), f.Deny...) {
		if strings.TrimSpace(p) == "" {
			return newError(field, "empty tool pattern")
		}
	}
	return nil
}

func validatePolicy(field string, p PolicySpec) error {
	if len(p.AllowPatterns) > 0 && len(p.RequirePatterns) > 0 {
		return newError(field, "allow_patterns and require_patterns cannot be combined")
	}
	if p.MaxOutputLines < 0 {
		return newError(field+".max_output_lines", fmt.Sprintf("must not be negative, got %d", p.MaxOutputLines))
	}
	lists := map[string][]string{
		"allow_patterns":       p.AllowPatterns,
		"deny_patterns":        p.DenyPatterns,
		"require_patterns":     p.RequirePatterns,
		"interactive_patterns": p.InteractivePatterns,
		"redact_patterns":      p.RedactPatterns,
	}
	for _, name := range sortedKeys(lists) {
		for _, expr := range lists[name] {
			if _, err := regexp.Compile("(?i)" + expr); err != nil {
				return wrapError(field+"."+name, "invalid regex", err)
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
