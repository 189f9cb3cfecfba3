package router

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/policy"
)

const scriptNamespace = "poni.tools."

// BranchReader reports the current git branch.
type BranchReader interface {
	CurrentBranch(ctx context.Context) (string, error)
}

// ScriptProvider exposes a team script as "poni.tools.<name>". Each optional
// flag becomes an argument named after the flag, e.g. --dry-run is dry_run.
type ScriptProvider struct {
	name     string
	cfg      config.ToolConfig
	dir      string
	set      *policy.Set
	exec     *executor.Executor
	branches BranchReader
}

func NewScriptProvider(name string, cfg config.ToolConfig, root string, ex *executor.Executor, branches BranchReader) (*ScriptProvider, error) {
	set, err := policy.Compile(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("tools.%s.policies: %w", name, err)
	}
	if cfg.Confirm {
		msg := cfg.ConfirmMessage
		if msg == "" {
			msg = fmt.Sprintf("Execute %s?", name)
		}
		set = set.WithConfirm(msg)
	}
	dir := root
	if cfg.WorkingDir != "" {
		dir = filepath.Join(root, cfg.WorkingDir)
	}
	return &ScriptProvider{name: name, cfg: cfg, dir: dir, set: set, exec: ex, branches: branches}, nil
}

func (p *ScriptProvider) Namespace() string     { return scriptNamespace + p.name }
func (p *ScriptProvider) Kind() Kind            { return KindScript }
func (p *ScriptProvider) Policy() *policy.Set   { return p.set }
func (p *ScriptProvider) Stop() error           { return nil }
func (p *ScriptProvider) Done() <-chan struct{} { return nil }

func (p *ScriptProvider) Start(context.Context) ([]Capability, error) {
	props := make(map[string]any, len(p.cfg.OptionalArgs))
	for _, flag := range p.cfg.OptionalArgs {
		props[OptionName(flag)] = map[string]any{
			"type":        []string{"string", "boolean", "number"},
			"description": fmt.Sprintf("Passed as %s", flag),
		}
	}
	desc := p.cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("Run %s", p.name)
	}
	return []Capability{{
		Name:        p.Namespace(),
		Description: desc,
		InputSchema: map[string]any{"type": "object", "properties": props},
		Provider:    p.Namespace(),
	}}, nil
}

// OptionName maps a flag such as "--dry-run" to its argument name "dry_run".
func OptionName(flag string) string {
	return strings.ReplaceAll(strings.TrimLeft(flag, "-"), "-", "_")
}

// flags renders the optional arguments present in args, in declaration
// order. A boolean true adds the bare flag; false omits it.
func (p *ScriptProvider) flags(args map[string]any) []string {
	var out []string
	for _, flag := range p.cfg.OptionalArgs {
		v, ok := args[OptionName(flag)]
		if !ok || v == nil {
			continue
		}
		if b, isBool := v.(bool); isBool {
			if b {
				out = append(out, flag)
			}
			continue
		}
		out = append(out, flag, fmt.Sprint(v))
	}
	return out
}

// Subject also enforces allowed_branches, before any confirmation is asked.
func (p *ScriptProvider) Subject(ctx context.Context, _ Capability, args map[string]any) (policy.Input, error) {
	if len(p.cfg.AllowedBranches) > 0 && p.branches != nil {
		// outside a git work tree there is no branch to restrict
		if branch, err := p.branches.CurrentBranch(ctx); err == nil && !slices.Contains(p.cfg.AllowedBranches, branch) {
			return policy.Input{}, &BlockedError{Msg: fmt.Sprintf("Error: Tool '%s' is only allowed on branches: %s\nCurrent branch: %s",
				p.name, strings.Join(p.cfg.AllowedBranches, ", "), branch)}
		}
	}
	return policy.Input{Target: p.name, Args: shellquote.Join(p.flags(args)...)}, nil
}

func (p *ScriptProvider) Invoke(ctx context.Context, c Capability, args map[string]any) (Response, error) {
	base, err := shellquote.Split(p.cfg.Command)
	if err != nil || len(base) == 0 {
		return failedResponse(fmt.Errorf("invalid command %q", p.cfg.Command)), nil
	}
	argv := append(append(base, p.cfg.Args...), p.flags(args)...)

	res, err := p.exec.Run(ctx, executor.Request{
		Name:           p.name,
		Argv:           argv,
		Dir:            p.dir,
		Env:            p.cfg.Env,
		Timeout:        p.cfg.Timeout,
		Redactor:       p.set.Redactor(),
		MaxOutputLines: p.set.MaxOutputLines(),
	})
	if err != nil {
		return Response{}, err
	}
	return fromResult(res), nil
}
