package enforcement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/project"
)

type fakeGit struct {
	mu        sync.Mutex
	staged    []string
	tracked   []string
	branch    string
	branchErr error
	messages  []string
	added     []string
}

func (g *fakeGit) StagedFiles(context.Context) ([]string, error)  { return g.staged, nil }
func (g *fakeGit) TrackedFiles(context.Context) ([]string, error) { return g.tracked, nil }

func (g *fakeGit) CurrentBranch(context.Context) (string, error) {
	return g.branch, g.branchErr
}

func (g *fakeGit) Add(_ context.Context, paths ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added = append(g.added, paths...)
	return nil
}

func (g *fakeGit) OutgoingMessages(context.Context) ([]string, error) { return g.messages, nil }

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newTestRunner(t *testing.T, root string, git Git, parallel bool, rules ...config.RuleConfig) *Runner {
	t.Helper()
	for i := range rules {
		if rules[i].Trigger == "" {
			rules[i].Trigger = config.TriggerPreCommit
		}
	}
	r, err := NewRunner(config.EnforcementConfig{Enabled: true, Parallel: parallel, Rules: rules}, Deps{
		Root:  root,
		Git:   git,
		Exec:  executor.New(executor.Options{}),
		Subst: project.NewSubstituter(""),
	})
	require.NoError(t, err)
	return r
}

func TestRun_NoStagedFilesSkipsEverything(t *testing.T) {
	r := newTestRunner(t, t.TempDir(), &fakeGit{}, true,
		config.RuleConfig{Name: "never", Command: "exit 1"})

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	assert.True(t, report.NothingStaged)
	assert.True(t, report.Passed())
	assert.Empty(t, report.Results)
}

func TestRun_ManualRunChecksWholeTree(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.go": "TODO", "b.go": "ok"})
	r := newTestRunner(t, root, &fakeGit{tracked: []string{"a.go", "b.go"}}, false, config.RuleConfig{
		Name:        "no-todo",
		Check:       config.CheckPatternAbsent,
		DenyPattern: "TODO",
	})

	report, err := r.Run(context.Background(), "", Options{})
	require.NoError(t, err)
	assert.Equal(t, config.TriggerPreCommit, report.Trigger)
	assert.False(t, report.NothingStaged)
	assert.Equal(t, []string{"a.go"}, report.Results[0].Files)

	report, err = r.Run(context.Background(), "", Options{Files: []string{"b.go"}})
	require.NoError(t, err)
	assert.True(t, report.Passed())
}

func TestRun_DisabledEnforcementPasses(t *testing.T) {
	r, err := NewRunner(config.EnforcementConfig{Rules: []config.RuleConfig{
		{Name: "never", Trigger: config.TriggerPrePush, Command: "exit 1"},
	}}, Deps{Git: &fakeGit{}})
	require.NoError(t, err)

	report, err := r.Run(context.Background(), config.TriggerPrePush, Options{})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.True(t, report.Disabled)
	assert.Empty(t, report.Results)
}

func TestRun_AllRulesRunAfterFailure(t *testing.T) {
	skipOnWindows(t)
	for _, parallel := range []bool{true, false} {
		root := t.TempDir()
		r := newTestRunner(t, root, &fakeGit{staged: []string{"a.go"}}, parallel,
			config.RuleConfig{Name: "first", Command: "echo broken; exit 1"},
			config.RuleConfig{Name: "second", Command: "touch second-ran"},
			config.RuleConfig{Name: "third", Command: "exit 2"},
		)

		report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
		require.NoError(t, err)
		require.Len(t, report.Results, 3)
		assert.Equal(t, []string{"first", "second", "third"},
			[]string{report.Results[0].Rule, report.Results[1].Rule, report.Results[2].Rule})
		assert.False(t, report.Passed())
		assert.Len(t, report.Failed(), 2)
		assert.Contains(t, report.Results[0].Output, "broken")
		assert.FileExists(t, filepath.Join(root, "second-ran"))
	}
}

func TestRun_SameNamedRulesEachRunOnce(t *testing.T) {
	skipOnWindows(t)
	off := false
	for _, parallel := range []bool{true, false} {
		r := newTestRunner(t, t.TempDir(), &fakeGit{}, parallel,
			config.RuleConfig{Name: "lint", Command: "echo first; exit 1"},
			config.RuleConfig{Name: "lint", Command: "echo second"},
			config.RuleConfig{Name: "lint", Command: "echo third", Enabled: &off},
		)

		report, err := r.Run(context.Background(), "", Options{})
		require.NoError(t, err)
		require.Len(t, report.Results, 2)
		assert.Equal(t, "first", strings.TrimSpace(report.Results[0].Output))
		assert.Equal(t, "second", strings.TrimSpace(report.Results[1].Output))
		assert.False(t, report.Passed())
		assert.Len(t, report.Failed(), 1)
	}
}

func TestRun_OnlyRulesOfTriggerAndEnabled(t *testing.T) {
	skipOnWindows(t)
	off := false
	r := newTestRunner(t, t.TempDir(), &fakeGit{branch: "main"}, false,
		config.RuleConfig{Name: "commit-rule", Trigger: config.TriggerPreCommit, Command: "true"},
		config.RuleConfig{Name: "push-rule", Trigger: config.TriggerPrePush, Command: "true"},
		config.RuleConfig{Name: "disabled", Trigger: config.TriggerPrePush, Command: "false", Enabled: &off},
	)

	report, err := r.Run(context.Background(), config.TriggerPrePush, Options{})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "push-rule", report.Results[0].Rule)
}

func TestCommandRule_FilesPlaceholderIsQuoted(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"has space.ts": "x", "b.ts": "y", "c.md": "z"})
	git := &fakeGit{staged: []string{"has space.ts", "b.ts", "c.md"}}
	r := newTestRunner(t, root, git, false,
		config.RuleConfig{Name: "list", Command: "for f in ${files}; do echo \"[$f]\"; done; exit 1", Pattern: []string{"*.ts"}},
	)

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	out := report.Results[0].Output
	assert.Contains(t, out, "[has space.ts]")
	assert.Contains(t, out, "[b.ts]")
	assert.NotContains(t, out, "c.md")
}

func TestCommandRule_EmptyFileSetPassesVacuously(t *testing.T) {
	r := newTestRunner(t, t.TempDir(), &fakeGit{staged: []string{"README.md"}}, false,
		config.RuleConfig{Name: "lint", Command: "exit 1 ${files}", Pattern: []string{"*.ts"}},
		config.RuleConfig{Name: "staged-lint", Command: "exit 1", Pattern: []string{"*.ts"}, StagedOnly: true},
	)

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	for _, res := range report.Results {
		assert.True(t, res.Passed, res.Rule)
		assert.True(t, res.Vacuous, res.Rule)
	}
}

func TestCommandRule_StagedRunSkipsUnmatchedRuleWithoutFiles(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t, t.TempDir(), &fakeGit{staged: []string{"a.ts"}}, false,
		config.RuleConfig{Name: "py-lint", Command: "echo ran; exit 1", Pattern: []string{"*.py"}},
	)

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Passed)
	assert.True(t, report.Results[0].Vacuous)
	assert.Empty(t, report.Results[0].Output)
}

func TestCommandRule_PackageManagerSubstitution(t *testing.T) {
	skipOnWindows(t)
	r, err := NewRunner(config.EnforcementConfig{Enabled: true, Rules: []config.RuleConfig{
		{Name: "pm", Trigger: config.TriggerPrePush, Command: "echo ${pm} && echo npm run lint"},
	}}, Deps{Root: t.TempDir(), Git: &fakeGit{}, Subst: project.NewSubstituter("pnpm")})
	require.NoError(t, err)

	report, err := r.Run(context.Background(), config.TriggerPrePush, Options{})
	require.NoError(t, err)
	assert.Equal(t, "pnpm\npnpm run lint", strings.TrimSpace(report.Results[0].Output))
}

func TestCommandRule_FixAndAutoStage(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	git := &fakeGit{staged: []string{"a.ts"}}
	rule := config.RuleConfig{
		Name:      "format",
		Command:   "echo check ${files}; exit 1",
		Fix:       "echo fixed ${files}",
		AutoStage: true,
		Pattern:   []string{"*.ts"},
	}

	r := newTestRunner(t, root, git, false, rule)
	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	assert.False(t, report.Passed())
	assert.Empty(t, git.added)

	report, err = r.Run(context.Background(), config.TriggerPreCommit, Options{Fix: true})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Contains(t, report.Results[0].Output, "fixed a.ts")
	assert.Equal(t, []string{"a.ts"}, git.added)
}

func TestPatternAbsent(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"clean.go":  "package main\n",
		"dirty.go":  "package main\n// console.log(x)\n",
		"bin.go":    "console.log\x00binary",
		"notes.txt": "console.log",
	})
	git := &fakeGit{staged: []string{"clean.go", "dirty.go", "bin.go", "notes.txt", "deleted.go"}}
	r := newTestRunner(t, root, git, false, config.RuleConfig{
		Name:        "no-console",
		Check:       config.CheckPatternAbsent,
		DenyPattern: `console\.log`,
		Pattern:     []string{"*.go"},
	})

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	res := report.Results[0]
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"dirty.go"}, res.Files)
	assert.Equal(t, "Pattern 'console\\.log' found in files\ndirty.go", res.Output)
}

func TestPatternPresent_CustomMessageAndListingCap(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	var staged []string
	for i := 0; i < 12; i++ {
		name := filepath.Join("src", string(rune('a'+i))+".go")
		files[name] = "package x\n"
		staged = append(staged, filepath.ToSlash(name))
	}
	writeFiles(t, root, files)
	r := newTestRunner(t, root, &fakeGit{staged: staged}, false, config.RuleConfig{
		Name:           "license",
		Check:          config.CheckPatternPresent,
		RequirePattern: "Copyright",
		Message:        "Missing license header",
	})

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	out := report.Results[0].Output
	assert.True(t, strings.HasPrefix(out, "Missing license header\n"))
	assert.Len(t, report.Results[0].Files, 12)
	assert.Contains(t, out, "... and 2 more")
	assert.NotContains(t, out, "src/l.go")
}

func TestPatternCheck_CommitMessages(t *testing.T) {
	git := &fakeGit{branch: "feature", messages: []string{"feat: add x\n\nbody", "wip"}}
	r := newTestRunner(t, t.TempDir(), git, false, config.RuleConfig{
		Name:           "conventional",
		Trigger:        config.TriggerPrePush,
		Check:          config.CheckPatternPresent,
		RequirePattern: `^(feat|fix|chore):`,
		Target:         CommitMessagesTarget,
	})

	report, err := r.Run(context.Background(), config.TriggerPrePush, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"commit: wip"}, report.Results[0].Files)
}

func TestTestCoverage(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"pkg/a.go":      "",
		"pkg/a_test.go": "",
		"pkg/b.go":      "",
		"main.go":       "",
	})
	git := &fakeGit{staged: []string{"pkg/a.go", "pkg/a_test.go", "pkg/b.go", "main.go"}}
	r := newTestRunner(t, root, git, false, config.RuleConfig{
		Name:    "tests",
		Check:   config.CheckTestCoverage,
		Pattern: []string{"*.go"},
	})

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pkg/b.go (expected pkg/b_test.go)",
		"main.go (expected main_test.go)",
	}, report.Results[0].Files)
}

func TestTestCoverage_CustomPatternAndVacuous(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"src/app.ts": "", "tests/app.spec.ts": ""})
	rule := config.RuleConfig{
		Name:        "specs",
		Check:       config.CheckTestCoverage,
		TestPattern: "tests/{name}.spec{ext}",
		Pattern:     []string{"src/**/*.ts"},
	}

	r := newTestRunner(t, root, &fakeGit{staged: []string{"src/app.ts"}}, false, rule)
	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.False(t, report.Results[0].Vacuous)

	r = newTestRunner(t, root, &fakeGit{staged: []string{"README.md"}}, false, rule)
	report, err = r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	assert.True(t, report.Results[0].Vacuous)
}

func TestFilePair(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"api/users.go":   "",
		"api/orders.go":  "",
		"docs/users.md":  "",
		"api/README.txt": "",
	})
	git := &fakeGit{staged: []string{"api/users.go", "api/orders.go", "api/README.txt"}}
	r := newTestRunner(t, root, git, false, config.RuleConfig{
		Name:    "api-docs",
		Check:   config.CheckFilePair,
		Pattern: []string{"api/*.go"},
		Target:  "docs/{name}.md",
	})

	report, err := r.Run(context.Background(), config.TriggerPreCommit, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"api/orders.go (expected docs/orders.md)"}, report.Results[0].Files)
	assert.True(t, strings.HasPrefix(report.Results[0].Output, "Missing companion file for 1 file(s)\n"))
}

func TestBranchProtection(t *testing.T) {
	rule := config.RuleConfig{
		Name:      "protect-main",
		Trigger:   config.TriggerPrePush,
		Check:     config.CheckBranchProtection,
		Protected: []string{"main", "release"},
	}

	cases := []struct {
		name   string
		git    *fakeGit
		passed bool
	}{
		{"protected", &fakeGit{branch: "main"}, false},
		{"feature", &fakeGit{branch: "feature/x"}, true},
		{"unreadable", &fakeGit{branchErr: errors.New("not a git repository")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRunner(t, t.TempDir(), tc.git, false, rule)
			report, err := r.Run(context.Background(), config.TriggerPrePush, Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.passed, report.Passed())
			if !tc.passed {
				assert.Equal(t, "Cannot push to protected branch 'main'", report.Results[0].Output)
			}
		})
	}
}

func TestNewCheck_Variants(t *testing.T) {
	cases := map[string]config.RuleConfig{
		"*enforcement.CommandRule":      {Name: "a", Command: "true"},
		"*enforcement.PatternAbsent":    {Name: "b", Check: config.CheckPatternAbsent, DenyPattern: "x"},
		"*enforcement.PatternPresent":   {Name: "c", Check: config.CheckPatternPresent, RequirePattern: "x"},
		"*enforcement.TestCoverage":     {Name: "d", Check: config.CheckTestCoverage},
		"*enforcement.FilePair":         {Name: "e", Check: config.CheckFilePair, Target: "{name}.md"},
		"*enforcement.BranchProtection": {Name: "f", Check: config.CheckBranchProtection, Protected: []string{"main"}},
	}
	for want, rc := range cases {
		c, err := NewCheck(rc)
		require.NoError(t, err)
		assert.Equal(t, want, typeName(c))
		assert.Equal(t, rc.Name, c.Name())
	}

	_, err := NewCheck(config.RuleConfig{Name: "bad", Check: "nope"})
	assert.Error(t, err)
	_, err = NewCheck(config.RuleConfig{Name: "bad", Check: config.CheckPatternAbsent, DenyPattern: "("})
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	assert.Equal(t, "src/app_test.ts", expand("{dir}/{name}_test{ext}", "src/app.ts"))
	assert.Equal(t, "app_test.go", expand("{dir}/{name}_test{ext}", "app.go"))
	assert.Equal(t, "tests/app.spec.ts", expand("tests/{name}.spec{ext}", "src/deep/app.ts"))
}

func TestRender(t *testing.T) {
	color.NoColor = true
	var lines []string
	for i := 0; i < 12; i++ {
		lines = append(lines, "line")
	}
	report := Report{
		Trigger: config.TriggerPreCommit,
		Results: []RuleResult{
			{Rule: "lint", Passed: true},
			{Rule: "tests", Output: strings.Join(lines, "\n")},
		},
	}

	var buf bytes.Buffer
	Render(&buf, report, false)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\nPoni enforcement checks (pre-commit):\n\n  ✓ lint\n  ✗ tests\n"))
	assert.Equal(t, 10, strings.Count(out, "    line\n"))
	assert.Contains(t, out, "    ...\n")
	assert.True(t, strings.HasSuffix(out, "\nBlocked. Fix 1 issue(s) above.\n"))

	buf.Reset()
	Render(&buf, Report{Trigger: config.TriggerPrePush, Results: []RuleResult{{Rule: "lint", Passed: true}}}, false)
	assert.True(t, strings.HasSuffix(buf.String(), "All checks passed.\n"))

	buf.Reset()
	Render(&buf, Report{Trigger: config.TriggerPreCommit, NothingStaged: true}, false)
	assert.Empty(t, buf.String())
	Render(&buf, Report{Trigger: config.TriggerPreCommit, NothingStaged: true}, true)
	assert.Equal(t, "No staged files to check\n", buf.String())

	buf.Reset()
	Render(&buf, Report{Trigger: config.TriggerPrePush}, true)
	assert.Equal(t, "No rules configured for pre-push\n", buf.String())
}

func TestInstallAndUninstallHooks(t *testing.T) {
	hooks := filepath.Join(t.TempDir(), ".git", "hooks")
	require.NoError(t, os.MkdirAll(hooks, 0o755))
	foreign := "#!/bin/sh\necho mine\n"
	require.NoError(t, os.WriteFile(filepath.Join(hooks, "pre-commit"), []byte(foreign), 0o755))

	installed, err := InstallHooks(hooks)
	require.NoError(t, err)
	assert.Equal(t, []string{"pre-commit", "pre-push"}, installed)

	data, err := os.ReadFile(filepath.Join(hooks, "pre-commit"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n# Poni pre-commit hook\nexec poni enforce --hook pre-commit\n", string(data))
	backup, err := os.ReadFile(filepath.Join(hooks, "pre-commit.backup"))
	require.NoError(t, err)
	assert.Equal(t, foreign, string(backup))
	assert.Equal(t, map[string]bool{"pre-commit": true, "pre-push": true}, HookStatus(hooks))

	// reinstalling keeps the original backup
	_, err = InstallHooks(hooks)
	require.NoError(t, err)
	backup, err = os.ReadFile(filepath.Join(hooks, "pre-commit.backup"))
	require.NoError(t, err)
	assert.Equal(t, foreign, string(backup))

	removed, err := UninstallHooks(hooks)
	require.NoError(t, err)
	assert.Equal(t, []string{"pre-commit", "pre-push"}, removed)
	restored, err := os.ReadFile(filepath.Join(hooks, "pre-commit"))
	require.NoError(t, err)
	assert.Equal(t, foreign, string(restored))
	assert.NoFileExists(t, filepath.Join(hooks, "pre-push"))
	assert.Equal(t, map[string]bool{"pre-commit": false, "pre-push": false}, HookStatus(hooks))
}

func TestInstallHooks_NotARepository(t *testing.T) {
	_, err := InstallHooks(filepath.Join(t.TempDir(), ".git", "hooks"))
	assert.ErrorIs(t, err, ErrNoHooksDir)
}

func TestExistingHookSystems(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".husky"), 0o755))
	writeFiles(t, root, map[string]string{
		".lefthook.yaml": "",
		"package.json":   `{"name":"x","lint-staged":{"*.ts":"eslint"}}`,
	})

	var names []string
	for _, s := range ExistingHookSystems(root) {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"husky", "lefthook", "lint-staged"}, names)
	assert.Empty(t, ExistingHookSystems(t.TempDir()))
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
