package gateway

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/poni-dev/poni/internal/audit"
	"github.com/poni-dev/poni/internal/lifecycle"
	"github.com/poni-dev/poni/internal/mcp"
	"github.com/poni-dev/poni/internal/router"
)

// BeforeResponseTool lets the agent run before_response hooks before it
// hands its turn back.
const BeforeResponseTool = "poni.lifecycle.before_response"

// fileArgs are the tool arguments that name the files a call touched.
var fileArgs = []string{"path", "file_path", "file", "files"}

// Router is the routing surface the gateway needs.
type Router interface {
	Tools() []router.Capability
	Call(ctx context.Context, req router.ToolCallRequest) (router.Response, error)
}

// Hooks fires lifecycle events.
type Hooks interface {
	Fire(ctx context.Context, ev lifecycle.Event) (lifecycle.Report, error)
}

// Handler serves agent tool calls: every call is routed through policy, then
// after_tool hooks run, followed by on_file_change hooks when the call named
// the files it touched.
type Handler struct {
	router Router
	hooks  Hooks
	audit  *audit.Writer
	logger *slog.Logger
}

// NewHandler builds a handler. hooks and aw may be nil.
func NewHandler(r Router, hooks Hooks, aw *audit.Writer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: r, hooks: hooks, audit: aw, logger: logger}
}

func (h *Handler) Tools() []mcp.ToolDefinition {
	caps := h.router.Tools()
	defs := make([]mcp.ToolDefinition, 0, len(caps)+1)
	for _, c := range caps {
		defs = append(defs, mcp.ToolDefinition{Name: c.Name, Description: c.Description, InputSchema: c.InputSchema})
	}
	if h.hooks != nil {
		defs = append(defs, mcp.ToolDefinition{
			Name:        BeforeResponseTool,
			Description: "Run the project's before_response validation hooks. Call this before finishing a response.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}
	return defs
}

func (h *Handler) CallTool(ctx context.Context, name string, args map[string]any) (mcp.CallResult, error) {
	if name == BeforeResponseTool && h.hooks != nil {
		return h.beforeResponse(ctx)
	}

	resp, err := h.router.Call(ctx, router.ToolCallRequest{Name: name, Args: args})
	if err != nil {
		if ctx.Err() != nil {
			return mcp.CallResult{}, err
		}
		h.record(audit.Event{Type: audit.TypeRejection, Tool: name, Outcome: rejection(err), Detail: err.Error()})
		return mcp.CallResult{Text: err.Error(), IsError: true}, nil
	}
	h.record(audit.Event{
		Type:     audit.TypeToolCall,
		Tool:     name,
		Outcome:  string(resp.Outcome),
		Rule:     string(resp.Decision.Rule),
		Duration: resp.Duration.Milliseconds(),
	})

	result := mcp.CallResult{Text: resp.Text, IsError: resp.IsError()}
	if h.hooks == nil || !ran(resp.Outcome) {
		return result, nil
	}

	files := ToolFiles(args)
	events := []lifecycle.Event{lifecycle.AfterToolEvent(name, files...)}
	if len(files) > 0 {
		events = append(events, lifecycle.FileChangeEvent(files...))
	}
	var merged lifecycle.Report
	for _, ev := range events {
		report, err := h.hooks.Fire(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return mcp.CallResult{}, err
			}
			h.logger.Warn("lifecycle hooks failed", "tool", name, "event", ev.String(), "error", err)
			break
		}
		h.recordHooks(report)
		merged.Results = append(merged.Results, report.Results...)
		// a held workflow stops further events like it stops further hooks
		if !report.Passed() {
			break
		}
	}
	return withHooks(result, merged), nil
}

func (h *Handler) beforeResponse(ctx context.Context) (mcp.CallResult, error) {
	report, err := h.hooks.Fire(ctx, lifecycle.BeforeResponseEvent())
	if err != nil {
		return mcp.CallResult{}, err
	}
	h.recordHooks(report)
	if len(report.Results) == 0 {
		return mcp.CallResult{Text: "No before_response hooks configured."}, nil
	}
	if diag := report.Diagnostic(); diag != "" {
		return mcp.CallResult{Text: diag, IsError: !report.Passed()}, nil
	}
	return mcp.CallResult{Text: "All lifecycle hooks passed."}, nil
}

func (h *Handler) record(ev audit.Event) {
	if err := h.audit.Append(ev); err != nil {
		h.logger.Debug("audit append failed", "error", err)
	}
}

func (h *Handler) recordHooks(report lifecycle.Report) {
	for _, res := range report.Results {
		h.record(audit.Event{
			Type:     audit.TypeHook,
			Tool:     res.Hook,
			Outcome:  string(res.Outcome),
			Detail:   report.Event.String(),
			Duration: res.Duration.Milliseconds(),
		})
	}
}

// withHooks appends hook diagnostics to a tool result. Only blocking hooks
// turn the result into an error.
func withHooks(result mcp.CallResult, report lifecycle.Report) mcp.CallResult {
	diag := report.Diagnostic()
	if diag == "" {
		return result
	}
	if result.Text != "" {
		result.Text += "\n\n"
	}
	result.Text += diag
	if !report.Passed() {
		result.IsError = true
	}
	return result
}

// ran reports whether the call reached its provider.
func ran(o router.Outcome) bool {
	return o != router.OutcomeBlocked && o != router.OutcomeConfirmationPending
}

func rejection(err error) string {
	switch {
	case errors.Is(err, router.ErrToolNotFound):
		return "not_found"
	case errors.Is(err, router.ErrProviderUnavailable):
		return "unavailable"
	}
	return "error"
}

// ToolFiles returns the file paths named in a call's arguments, in argument
// order and without duplicates.
func ToolFiles(args map[string]any) []string {
	var files []string
	add := func(v any) {
		s, ok := v.(string)
		if !ok {
			return
		}
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(files, s) {
			files = append(files, s)
		}
	}
	for _, key := range fileArgs {
		switch v := args[key].(type) {
		case []any:
			for _, item := range v {
				add(item)
			}
		case []string:
			for _, item := range v {
				add(item)
			}
		default:
			add(v)
		}
	}
	return files
}
