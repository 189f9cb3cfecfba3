package router

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/policy"
)

const cliNamespace = "poni.cli."

var cliInputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"args": map[string]any{
			"type":        "string",
			"description": "Command arguments",
		},
	},
}

// CLIProvider wraps one command line tool as the single capability
// "poni.cli.<name>" taking an "args" string.
type CLIProvider struct {
	name string
	cfg  config.CLIConfig
	dir  string
	set  *policy.Set
	exec *executor.Executor
}

func NewCLIProvider(name string, cfg config.CLIConfig, dir string, ex *executor.Executor) (*CLIProvider, error) {
	set, err := policy.Compile(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("cli.%s.policies: %w", name, err)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = name
	}
	return &CLIProvider{name: name, cfg: cfg, dir: dir, set: set, exec: ex}, nil
}

func (p *CLIProvider) Namespace() string     { return cliNamespace + p.name }
func (p *CLIProvider) Kind() Kind            { return KindCLI }
func (p *CLIProvider) Policy() *policy.Set   { return p.set }
func (p *CLIProvider) Stop() error           { return nil }
func (p *CLIProvider) Done() <-chan struct{} { return nil }

// Start checks the binary is on PATH.
func (p *CLIProvider) Start(context.Context) ([]Capability, error) {
	argv, err := shellquote.Split(p.cfg.Command)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("invalid command %q", p.cfg.Command)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%s not found on PATH", argv[0])
	}

	desc := p.cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("Execute %s commands", p.name)
	}
	return []Capability{{
		Name:        p.Namespace(),
		Description: desc,
		InputSchema: cliInputSchema,
		Provider:    p.Namespace(),
	}}, nil
}

func (p *CLIProvider) Subject(_ context.Context, _ Capability, args map[string]any) (policy.Input, error) {
	raw, err := argString(args)
	if err != nil {
		return policy.Input{}, err
	}
	return policy.Input{Target: p.name, Args: raw}, nil
}

func (p *CLIProvider) Invoke(ctx context.Context, c Capability, args map[string]any) (Response, error) {
	raw, err := argString(args)
	if err != nil {
		return failedResponse(err), nil
	}
	base, err := shellquote.Split(p.cfg.Command)
	if err != nil {
		return failedResponse(fmt.Errorf("invalid command %q: %w", p.cfg.Command, err)), nil
	}
	extra, err := shellquote.Split(raw)
	if err != nil {
		return failedResponse(fmt.Errorf("invalid arguments: %w", err)), nil
	}
	argv := append(append(base, p.cfg.Args...), extra...)

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

func argString(args map[string]any) (string, error) {
	v, ok := args["args"]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument \"args\" must be a string")
	}
	return strings.TrimSpace(s), nil
}

func failedResponse(err error) Response {
	return Response{Outcome: OutcomeFailed, Text: "Error: " + err.Error(), ExitCode: -1}
}

// fromResult maps an executor outcome onto the response the agent sees.
func fromResult(res executor.Result) Response {
	resp := Response{ExitCode: res.ExitCode, Duration: res.Duration}
	switch res.Status {
	case executor.StatusSuccess:
		resp.Outcome = OutcomeOK
		resp.Text = res.Output
		if strings.TrimSpace(resp.Text) == "" {
			resp.Text = "(no output)"
		}
	case executor.StatusTimeout:
		resp.Outcome = OutcomeTimeout
		resp.Text = strings.TrimSpace(res.Output)
	default:
		resp.Outcome = OutcomeFailed
		resp.Text = fmt.Sprintf("Error (exit code %d):\n%s", res.ExitCode, res.Output)
	}
	return resp
}
