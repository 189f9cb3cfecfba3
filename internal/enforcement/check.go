package enforcement

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/glob"
)

const (
	filesToken = "${files}"
	// CommitMessagesTarget points a pattern check at the commits being pushed.
	CommitMessagesTarget = "commit-messages"
	maxListed            = 10
	binarySniffBytes     = 8000
	defaultTestPattern   = "{dir}/{name}_test{ext}"
)

// RuleResult is the outcome of one rule.
type RuleResult struct {
	Rule   string
	Passed bool
	// Vacuous is set when the rule passed because it had nothing to inspect.
	Vacuous  bool
	Output   string
	Files    []string
	Duration time.Duration
}

// Check is one enforcement rule. The variants are the types in this file.
type Check interface {
	Name() string
	Run(ctx context.Context, env *Env) RuleResult
	sealed()
}

// NewCheck builds the variant a validated rule describes.
func NewCheck(rc config.RuleConfig) (Check, error) {
	sc := scope{include: rc.Pattern, exclude: rc.Exclude, stagedOnly: rc.StagedOnly}
	if strings.TrimSpace(rc.Command) != "" {
		return &CommandRule{
			name:      rc.Name,
			command:   rc.Command,
			fix:       rc.Fix,
			autoStage: rc.AutoStage,
			timeout:   rc.Timeout,
			scope:     sc,
		}, nil
	}

	switch rc.Check {
	case config.CheckPatternAbsent, config.CheckPatternPresent:
		expr := rc.DenyPattern
		if rc.Check == config.CheckPatternPresent {
			expr = rc.RequirePattern
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		pc := patternCheck{name: rc.Name, expr: expr, re: re, target: rc.Target, message: rc.Message, scope: sc}
		if rc.Check == config.CheckPatternAbsent {
			return &PatternAbsent{pc}, nil
		}
		return &PatternPresent{pc}, nil
	case config.CheckTestCoverage:
		tp := rc.TestPattern
		if tp == "" {
			tp = defaultTestPattern
		}
		return &TestCoverage{name: rc.Name, testPattern: tp, message: rc.Message, scope: sc}, nil
	case config.CheckFilePair:
		return &FilePair{name: rc.Name, target: rc.Target, message: rc.Message, scope: sc}, nil
	case config.CheckBranchProtection:
		return &BranchProtection{name: rc.Name, protected: rc.Protected, message: rc.Message}, nil
	}
	return nil, fmt.Errorf("rule %s: unknown check %q", rc.Name, rc.Check)
}

// CommandRule runs a shell command, optionally over the matched files.
type CommandRule struct {
	name      string
	command   string
	fix       string
	autoStage bool
	timeout   time.Duration
	scope     scope
}

func (c *CommandRule) Name() string { return c.name }
func (c *CommandRule) sealed()      {}

func (c *CommandRule) Run(ctx context.Context, env *Env) RuleResult {
	res := RuleResult{Rule: c.name}

	cmd := c.command
	if env.Fix && c.fix != "" {
		cmd = c.fix
	}
	cmd = env.Subst.Apply(cmd)

	usesFiles := strings.Contains(cmd, filesToken)
	scoped := usesFiles || c.scope.stagedOnly || env.Staged
	var files []string
	if scoped {
		var err error
		if files, err = c.scope.files(env); err != nil {
			res.Output = err.Error()
			return res
		}
	}
	if scoped && len(files) == 0 {
		res.Passed, res.Vacuous = true, true
		return res
	}
	if usesFiles {
		cmd = strings.ReplaceAll(cmd, filesToken, shellquote.Join(files...))
	}

	out, err := env.Exec.Run(ctx, executor.Request{
		Name:    c.name,
		Shell:   cmd,
		Dir:     env.Root,
		Timeout: c.timeout,
	})
	res.Duration = out.Duration
	res.Files = files
	if err != nil {
		res.Output = err.Error()
		return res
	}
	res.Output = out.Output
	res.Passed = out.OK()

	if res.Passed && env.Fix && c.autoStage && len(files) > 0 {
		if err := env.Git.Add(ctx, files...); err != nil {
			res.Passed = false
			res.Output = strings.TrimSpace(res.Output + "\nauto-stage failed: " + err.Error())
		}
	}
	return res
}

type patternCheck struct {
	name    string
	expr    string
	re      *regexp.Regexp
	target  string
	message string
	scope   scope
}

// subjects returns the named texts the pattern is matched against: file
// contents, or commit messages when targeted at them.
func (p *patternCheck) subjects(ctx context.Context, env *Env) ([]subject, error) {
	if p.target == CommitMessagesTarget {
		msgs, err := env.Git.OutgoingMessages(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]subject, 0, len(msgs))
		for _, m := range msgs {
			first, _, _ := strings.Cut(m, "\n")
			out = append(out, subject{name: "commit: " + first, text: []byte(m)})
		}
		return out, nil
	}

	files, err := p.scope.files(env)
	if err != nil {
		return nil, err
	}
	out := make([]subject, 0, len(files))
	for _, f := range files {
		data, ok := readText(filepath.Join(env.Root, f))
		if !ok {
			continue
		}
		out = append(out, subject{name: f, text: data})
	}
	return out, nil
}

func (p *patternCheck) run(ctx context.Context, env *Env, wantMatch bool, defaultMsg string) RuleResult {
	res := RuleResult{Rule: p.name}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	subjects, err := p.subjects(ctx, env)
	if err != nil {
		res.Output = err.Error()
		return res
	}
	if len(subjects) == 0 {
		res.Passed, res.Vacuous = true, true
		return res
	}

	var offending []string
	for _, s := range subjects {
		if p.re.Match(s.text) != wantMatch {
			offending = append(offending, s.name)
		}
	}
	if len(offending) == 0 {
		res.Passed = true
		return res
	}
	msg := p.message
	if msg == "" {
		msg = fmt.Sprintf(defaultMsg, p.expr)
	}
	res.Files = offending
	res.Output = listing(msg, offending)
	return res
}

type subject struct {
	name string
	text []byte
}

// PatternAbsent fails when any selected file matches the deny pattern.
type PatternAbsent struct{ patternCheck }

func (c *PatternAbsent) Name() string { return c.name }
func (c *PatternAbsent) sealed()      {}

func (c *PatternAbsent) Run(ctx context.Context, env *Env) RuleResult {
	return c.run(ctx, env, false, "Pattern '%s' found in files")
}

// PatternPresent fails when any selected file lacks the required pattern.
type PatternPresent struct{ patternCheck }

func (c *PatternPresent) Name() string { return c.name }
func (c *PatternPresent) sealed()      {}

func (c *PatternPresent) Run(ctx context.Context, env *Env) RuleResult {
	return c.run(ctx, env, true, "Pattern '%s' not found in files")
}

// TestCoverage requires every selected source file to have a test file at
// the path its test pattern names.
type TestCoverage struct {
	name        string
	testPattern string
	message     string
	scope       scope
}

func (c *TestCoverage) Name() string { return c.name }
func (c *TestCoverage) sealed()      {}

func (c *TestCoverage) Run(ctx context.Context, env *Env) RuleResult {
	res := RuleResult{Rule: c.name}
	files, err := c.scope.files(env)
	if err != nil {
		res.Output = err.Error()
		return res
	}

	testGlob := strings.NewReplacer("{dir}", "**", "{name}", "*", "{ext}", ".*").Replace(c.testPattern)
	var sources, missing []string
	for _, f := range files {
		if glob.Match(testGlob, f) {
			continue
		}
		sources = append(sources, f)
		want := expand(c.testPattern, f)
		if !exists(filepath.Join(env.Root, want)) {
			missing = append(missing, fmt.Sprintf("%s (expected %s)", f, want))
		}
	}
	if len(sources) == 0 {
		res.Passed, res.Vacuous = true, true
		return res
	}
	if len(missing) == 0 {
		res.Passed = true
		return res
	}
	msg := c.message
	if msg == "" {
		msg = fmt.Sprintf("Missing tests for %d file(s)", len(missing))
	}
	res.Files = missing
	res.Output = listing(msg, missing)
	return res
}

// FilePair requires a companion file, named by the target template, for
// every selected file.
type FilePair struct {
	name    string
	target  string
	message string
	scope   scope
}

func (c *FilePair) Name() string { return c.name }
func (c *FilePair) sealed()      {}

func (c *FilePair) Run(ctx context.Context, env *Env) RuleResult {
	res := RuleResult{Rule: c.name}
	files, err := c.scope.files(env)
	if err != nil {
		res.Output = err.Error()
		return res
	}
	if len(files) == 0 {
		res.Passed, res.Vacuous = true, true
		return res
	}

	var missing []string
	for _, f := range files {
		want := expand(c.target, f)
		if !exists(filepath.Join(env.Root, want)) {
			missing = append(missing, fmt.Sprintf("%s (expected %s)", f, want))
		}
	}
	if len(missing) == 0 {
		res.Passed = true
		return res
	}
	msg := c.message
	if msg == "" {
		msg = fmt.Sprintf("Missing companion file for %d file(s)", len(missing))
	}
	res.Files = missing
	res.Output = listing(msg, missing)
	return res
}

// BranchProtection fails on a protected branch. Outside a git work tree it
// passes.
type BranchProtection struct {
	name      string
	protected []string
	message   string
}

func (c *BranchProtection) Name() string { return c.name }
func (c *BranchProtection) sealed()      {}

func (c *BranchProtection) Run(ctx context.Context, env *Env) RuleResult {
	res := RuleResult{Rule: c.name, Passed: true}
	branch, err := env.Git.CurrentBranch(ctx)
	if err != nil {
		env.Logger.Debug("branch protection skipped", "rule", c.name, "error", err)
		return res
	}
	if slices.Contains(c.protected, branch) {
		res.Passed = false
		res.Output = c.message
		if res.Output == "" {
			res.Output = fmt.Sprintf("Cannot push to protected branch '%s'", branch)
		}
	}
	return res
}

// expand fills {dir}, {name} and {ext} from file. For "src/app.ts", dir is
// "src", name "app" and ext ".ts".
func expand(tmpl, file string) string {
	file = filepath.ToSlash(file)
	dir := path.Dir(file)
	base := path.Base(file)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	out := strings.NewReplacer("{dir}", dir, "{name}", name, "{ext}", ext).Replace(tmpl)
	return path.Clean(out)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// readText returns a regular file's contents, skipping binary files.
func readText(p string) ([]byte, bool) {
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	if bytes.IndexByte(data[:min(len(data), binarySniffBytes)], 0) >= 0 {
		return nil, false
	}
	return data, true
}

func listing(msg string, items []string) string {
	shown := items[:min(len(items), maxListed)]
	out := msg + "\n" + strings.Join(shown, "\n")
	if extra := len(items) - len(shown); extra > 0 {
		out += fmt.Sprintf("\n... and %d more", extra)
	}
	return out
}
