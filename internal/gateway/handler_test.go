package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poni-dev/poni/internal/audit"
	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/lifecycle"
	"github.com/poni-dev/poni/internal/policy"
	"github.com/poni-dev/poni/internal/router"
)

type fakeRouter struct {
	resp  router.Response
	err   error
	calls []router.ToolCallRequest
}

func (f *fakeRouter) Tools() []router.Capability {
	return []router.Capability{{Name: "fs.write_file", Description: "write", InputSchema: map[string]any{"type": "object"}}}
}

func (f *fakeRouter) Call(_ context.Context, req router.ToolCallRequest) (router.Response, error) {
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newHooks(t *testing.T, root string, hooks ...config.HookConfig) *lifecycle.Coordinator {
	t.Helper()
	c, err := lifecycle.NewCoordinator(config.LifecycleConfig{Enabled: true, Hooks: hooks}, lifecycle.Options{Root: root})
	require.NoError(t, err)
	return c
}

func TestTools_IncludesBeforeResponse(t *testing.T) {
	h := NewHandler(&fakeRouter{}, newHooks(t, t.TempDir()), nil, nil)
	defs := h.Tools()
	require.Len(t, defs, 2)
	assert.Equal(t, "fs.write_file", defs[0].Name)
	assert.Equal(t, BeforeResponseTool, defs[1].Name)

	assert.Len(t, NewHandler(&fakeRouter{}, nil, nil, nil).Tools(), 1)
}

func TestCallTool_AfterToolHooksSeeFiles(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	hooks := newHooks(t, root, config.HookConfig{
		Name:     "record",
		Trigger:  "after_tool:fs.*",
		Pattern:  []string{"*.go"},
		Commands: []string{"echo ${file} > seen"},
	})
	r := &fakeRouter{resp: router.Response{Outcome: router.OutcomeOK, Text: "written"}}
	h := NewHandler(r, hooks, nil, nil)

	res, err := h.CallTool(context.Background(), "fs.write_file", map[string]any{"path": "main.go", "content": "x"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "written", res.Text)

	seen, err := os.ReadFile(filepath.Join(root, "seen"))
	require.NoError(t, err)
	assert.Equal(t, "main.go\n", string(seen))
}

func TestCallTool_FileChangeHooksFollowWrites(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	hooks := newHooks(t, root,
		config.HookConfig{Name: "format", Trigger: "on_file_change", Pattern: []string{"*.go"}, Commands: []string{"echo ${file} >> formatted"}},
		config.HookConfig{Name: "lint", Trigger: "on_file_change", Commands: []string{"echo lint failed; exit 1"}},
	)
	r := &fakeRouter{resp: router.Response{Outcome: router.OutcomeOK, Text: "written"}}
	h := NewHandler(r, hooks, nil, nil)

	res, err := h.CallTool(context.Background(), "fs.write_file", map[string]any{"path": "main.go"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Text, "written\n\nLifecycle hook 'lint' failed."))
	assert.Contains(t, res.Text, "lint failed")

	formatted, err := os.ReadFile(filepath.Join(root, "formatted"))
	require.NoError(t, err)
	assert.Equal(t, "main.go\n", string(formatted))

	res, err = h.CallTool(context.Background(), "fs.list", nil)
	require.NoError(t, err)
	assert.Equal(t, "written", res.Text)
	formatted, err = os.ReadFile(filepath.Join(root, "formatted"))
	require.NoError(t, err)
	assert.Equal(t, "main.go\n", string(formatted))
}

func TestCallTool_BlockingHookMarksError(t *testing.T) {
	skipOnWindows(t)
	hooks := newHooks(t, t.TempDir(), config.HookConfig{
		Name:           "vet",
		Trigger:        "after_tool:*",
		Commands:       []string{"echo vet failed; exit 1"},
		BlockUntilPass: true,
		MaxRetries:     2,
	})
	h := NewHandler(&fakeRouter{resp: router.Response{Outcome: router.OutcomeOK, Text: "done"}}, hooks, nil, nil)

	res, err := h.CallTool(context.Background(), "fs.write_file", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Text, "done\n\nLifecycle hook 'vet' failed (attempt 1/2)"))
	assert.Contains(t, res.Text, "vet failed")

	res, err = h.CallTool(context.Background(), "fs.write_file", nil)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Human intervention required")
}

func TestCallTool_BlockedCallSkipsHooks(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	hooks := newHooks(t, root, config.HookConfig{
		Name: "marker", Trigger: "after_tool:*", Commands: []string{"touch ran"},
	})
	resp := router.Response{
		Outcome:  router.OutcomeBlocked,
		Text:     "Policy violation: denied",
		Decision: policy.Decision{Action: policy.ActionDeny, Rule: policy.RuleDenyPatterns},
	}
	h := NewHandler(&fakeRouter{resp: resp}, hooks, audit.NewWriter(root), nil)

	res, err := h.CallTool(context.Background(), "fs.write_file", map[string]any{"path": "x"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.NoFileExists(t, filepath.Join(root, "ran"))

	data, err := os.ReadFile(filepath.Join(root, "audit.jsonl"))
	require.NoError(t, err)
	var ev audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev))
	assert.Equal(t, audit.TypeToolCall, ev.Type)
	assert.Equal(t, "blocked", ev.Outcome)
	assert.Equal(t, "deny_patterns", ev.Rule)
}

func TestCallTool_RoutingErrorIsToolError(t *testing.T) {
	r := &fakeRouter{err: &router.NotFoundError{Name: "fs.wirte", Suggestions: []string{"fs.write_file"}}}
	h := NewHandler(r, nil, nil, nil)

	res, err := h.CallTool(context.Background(), "fs.wirte", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "did you mean fs.write_file?")
}

func TestCallTool_BeforeResponse(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	h := NewHandler(&fakeRouter{}, newHooks(t, root, config.HookConfig{
		Name:           "tests",
		Trigger:        "before_response",
		Commands:       []string{"test -f ok"},
		BlockUntilPass: true,
		MaxRetries:     3,
	}), nil, nil)

	res, err := h.CallTool(context.Background(), BeforeResponseTool, nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "attempt 1/3")

	require.NoError(t, os.WriteFile(filepath.Join(root, "ok"), nil, 0o644))
	res, err = h.CallTool(context.Background(), BeforeResponseTool, nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "All lifecycle hooks passed.", res.Text)
}

func TestToolFiles(t *testing.T) {
	files := ToolFiles(map[string]any{
		"path":      "a.go",
		"file_path": "b.go",
		"file":      42,
		"files":     []any{"c.go", "a.go", ""},
		"other":     "d.go",
	})
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, files)
	assert.Empty(t, ToolFiles(nil))
}
