package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordHook(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[outcome]++
}

func newCoordinator(t *testing.T, root string, store Store, hooks ...config.HookConfig) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(config.LifecycleConfig{Enabled: true, Hooks: hooks}, Options{
		Root:  root,
		Exec:  executor.New(executor.Options{}),
		Store: store,
	})
	require.NoError(t, err)
	return c
}

func TestNewCoordinator_RejectsDuplicateNames(t *testing.T) {
	_, err := NewCoordinator(config.LifecycleConfig{Enabled: true, Hooks: []config.HookConfig{
		{Name: "tests", Trigger: "before_response", Commands: []string{"true"}},
		{Name: "tests", Trigger: "on_file_change", Commands: []string{"true"}},
	}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestParseTrigger(t *testing.T) {
	cases := map[string]Trigger{
		"after_tool:*":                 AfterAnyTool{},
		"after_tool:poni.cli.git":      AfterTool{Pattern: "poni.cli.git"},
		"after_tool:filesystem.write*": AfterTool{Pattern: "filesystem.write*"},
		"before_response":              BeforeResponse{},
		"on_file_change":               OnFileChange{},
	}
	for in, want := range cases {
		got, err := ParseTrigger(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
		assert.Equal(t, in, got.String())
	}
	for _, bad := range []string{"", "after_tool:", "on_commit"} {
		_, err := ParseTrigger(bad)
		assert.Error(t, err, bad)
	}
}

func TestTriggerMatches(t *testing.T) {
	write := AfterToolEvent("filesystem.write_file", "a.go")
	assert.True(t, AfterAnyTool{}.Matches(write))
	assert.True(t, AfterTool{Pattern: "filesystem.write_file"}.Matches(write))
	assert.True(t, AfterTool{Pattern: "filesystem.*"}.Matches(write))
	assert.False(t, AfterTool{Pattern: "github.*"}.Matches(write))
	assert.False(t, BeforeResponse{}.Matches(write))
	assert.True(t, BeforeResponse{}.Matches(BeforeResponseEvent()))
	assert.True(t, OnFileChange{}.Matches(FileChangeEvent("x")))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("after_tool:poni.cli.git", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, AfterToolEvent("poni.cli.git", "a"), ev)
	assert.Equal(t, "after_tool:poni.cli.git", ev.String())

	_, err = ParseEvent("after_tool:*", nil)
	assert.Error(t, err)
}

func TestExecution_Transitions(t *testing.T) {
	e := NewExecution("lint", 2)
	assert.Equal(t, StatePending, e.State)
	assert.Error(t, e.Complete(true, ""))

	require.NoError(t, e.Begin())
	assert.Error(t, e.Begin())
	require.NoError(t, e.Complete(false, "boom"))
	assert.Equal(t, StateFailed, e.State)
	assert.Equal(t, 1, e.Attempt)

	require.NoError(t, e.Begin())
	require.NoError(t, e.Complete(false, "boom again"))
	assert.Equal(t, StateExhausted, e.State)
	assert.True(t, e.Terminal())
	assert.ErrorIs(t, e.Begin(), ErrHookExhausted)
	assert.Equal(t, 2, e.Attempt)
}

func TestExecution_PassOnRetry(t *testing.T) {
	e := NewExecution("lint", 0)
	assert.Equal(t, config.DefaultMaxRetries, e.MaxRetries)
	require.NoError(t, e.Begin())
	require.NoError(t, e.Complete(false, ""))
	require.NoError(t, e.Begin())
	require.NoError(t, e.Complete(true, "ok"))
	assert.Equal(t, StatePassed, e.State)
	assert.Equal(t, 2, e.Attempt)
}

func TestFire_BlockingHookExhaustsAtMaxRetries(t *testing.T) {
	skipOnWindows(t)
	rec := &countingRecorder{}
	c, err := NewCoordinator(config.LifecycleConfig{Enabled: true, Hooks: []config.HookConfig{{
		Name:           "typecheck",
		Trigger:        "after_tool:*",
		Commands:       []string{"echo type error; exit 1"},
		BlockUntilPass: true,
		MaxRetries:     3,
		Message:        "Fix type errors",
	}}}, Options{Root: t.TempDir(), Metrics: rec})
	require.NoError(t, err)

	ev := AfterToolEvent("filesystem.write_file")
	for attempt := 1; attempt <= 2; attempt++ {
		report, err := c.Fire(context.Background(), ev)
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		res := report.Results[0]
		assert.Equal(t, OutcomeBlocked, res.Outcome)
		assert.Equal(t, attempt, res.Attempt)
		assert.True(t, report.Blocked())
		assert.Contains(t, report.Diagnostic(), "type error")
		assert.Contains(t, report.Diagnostic(), "Fix type errors")
	}

	report, err := c.Fire(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, report.Exhausted())
	assert.Equal(t, 3, report.Results[0].Attempt)
	assert.Contains(t, report.Diagnostic(), "Human intervention required")

	// no further attempts until reset
	report, err = c.Fire(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, report.Exhausted())
	assert.Equal(t, 3, report.Results[0].Attempt)

	cleared, err := c.Reset("typecheck")
	require.NoError(t, err)
	assert.Equal(t, []string{"typecheck"}, cleared)

	report, err = c.Fire(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, report.Results[0].Outcome)
	assert.Equal(t, 1, report.Results[0].Attempt)

	assert.Equal(t, 3, rec.counts["blocked"])
	assert.Equal(t, 2, rec.counts["exhausted"])
}

func TestFire_PassClearsExecution(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	c := newCoordinator(t, root, nil, config.HookConfig{
		Name:           "tests",
		Trigger:        "before_response",
		Commands:       []string{"test -f fixed"},
		BlockUntilPass: true,
		MaxRetries:     3,
	})

	report, err := c.Fire(context.Background(), BeforeResponseEvent())
	require.NoError(t, err)
	assert.True(t, report.Blocked())

	require.NoError(t, os.WriteFile(filepath.Join(root, "fixed"), nil, 0o644))
	report, err = c.Fire(context.Background(), BeforeResponseEvent())
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, 2, report.Results[0].Attempt)
	assert.Empty(t, report.Diagnostic())

	execs, err := c.Executions()
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestFire_StopsAfterBlockingFailure(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	c := newCoordinator(t, root, nil,
		config.HookConfig{Name: "advisory", Trigger: "before_response", Commands: []string{"exit 1"}},
		config.HookConfig{Name: "gate", Trigger: "before_response", Commands: []string{"exit 1"}, BlockUntilPass: true},
		config.HookConfig{Name: "after", Trigger: "before_response", Commands: []string{"touch after-ran"}},
	)

	report, err := c.Fire(context.Background(), BeforeResponseEvent())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, OutcomeBlocked, report.Results[1].Outcome)
	assert.NoFileExists(t, filepath.Join(root, "after-ran"))
}

func TestFire_NonBlockingFailureDoesNotHold(t *testing.T) {
	skipOnWindows(t)
	c := newCoordinator(t, t.TempDir(), nil,
		config.HookConfig{Name: "advisory", Trigger: "after_tool:*", Commands: []string{"echo warn; exit 1"}},
	)

	report, err := c.Fire(context.Background(), AfterToolEvent("x"))
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Contains(t, report.Diagnostic(), "warn")
}

func TestFire_FilePatternScopesHooks(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	c := newCoordinator(t, root, nil, config.HookConfig{
		Name:     "gofmt",
		Trigger:  "on_file_change",
		Pattern:  []string{"*.go"},
		Commands: []string{"printf '%s\\n' ${file} > seen"},
	})

	report, err := c.Fire(context.Background(), FileChangeEvent("README.md"))
	require.NoError(t, err)
	assert.Empty(t, report.Results)

	report, err = c.Fire(context.Background(), FileChangeEvent("README.md", "cmd/my file.go"))
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	seen, err := os.ReadFile(filepath.Join(root, "seen"))
	require.NoError(t, err)
	assert.Equal(t, "cmd/my file.go\n", string(seen))

	// events without files reach scoped hooks
	report, err = c.Fire(context.Background(), FileChangeEvent())
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
}

func TestFire_ChecksRunAfterCommands(t *testing.T) {
	skipOnWindows(t)
	c := newCoordinator(t, t.TempDir(), nil, config.HookConfig{
		Name:     "verify",
		Trigger:  "before_response",
		Commands: []string{"echo build"},
		Checks:   []string{"echo check; exit 1", "echo never"},
	})

	report, err := c.Fire(context.Background(), BeforeResponseEvent())
	require.NoError(t, err)
	out := report.Results[0].Output
	assert.Equal(t, "build\ncheck", out)
	assert.False(t, strings.Contains(out, "never"))
}

func TestFire_DisabledDoesNothing(t *testing.T) {
	c, err := NewCoordinator(config.LifecycleConfig{Hooks: []config.HookConfig{
		{Name: "x", Trigger: "before_response", Commands: []string{"exit 1"}},
	}}, Options{})
	require.NoError(t, err)

	report, err := c.Fire(context.Background(), BeforeResponseEvent())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestFileStore_SharesStateAcrossCoordinators(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	stateDir := filepath.Join(root, ".poni", "state")
	hook := config.HookConfig{
		Name:           "lint",
		Trigger:        "before_response",
		Commands:       []string{"exit 1"},
		BlockUntilPass: true,
		MaxRetries:     2,
	}

	for attempt := 1; attempt <= 2; attempt++ {
		c := newCoordinator(t, root, NewFileStore(stateDir), hook)
		report, err := c.Fire(context.Background(), BeforeResponseEvent())
		require.NoError(t, err)
		assert.Equal(t, attempt, report.Results[0].Attempt)
	}

	execs, err := NewFileStore(stateDir).List()
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, StateExhausted, execs[0].State)
	assert.FileExists(t, filepath.Join(stateDir, "lifecycle.json"))
}

func TestReset(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(&Execution{Hook: "a", State: StateExhausted}))
	require.NoError(t, store.Put(&Execution{Hook: "b", State: StateFailed}))
	c := newCoordinator(t, t.TempDir(), store,
		config.HookConfig{Name: "a", Trigger: "before_response", Commands: []string{"true"}},
		config.HookConfig{Name: "c", Trigger: "before_response", Commands: []string{"true"}},
	)

	cleared, err := c.Reset("c")
	require.NoError(t, err)
	assert.Empty(t, cleared)

	_, err = c.Reset("unknown")
	assert.Error(t, err)

	cleared, err = c.Reset("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cleared)
}

func TestFire_ConcurrentEventsSerializePerHook(t *testing.T) {
	skipOnWindows(t)
	c := newCoordinator(t, t.TempDir(), nil, config.HookConfig{
		Name:           "gate",
		Trigger:        "after_tool:*",
		Commands:       []string{"exit 1"},
		BlockUntilPass: true,
		MaxRetries:     10,
	})

	var wg sync.WaitGroup
	attempts := make(chan int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := c.Fire(context.Background(), AfterToolEvent("x"))
			if err == nil && len(report.Results) == 1 {
				attempts <- report.Results[0].Attempt
			}
		}()
	}
	wg.Wait()
	close(attempts)

	seen := map[int]bool{}
	for a := range attempts {
		assert.False(t, seen[a], "attempt %d reported twice", a)
		seen[a] = true
	}
	assert.Len(t, seen, 5)
}
