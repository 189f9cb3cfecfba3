package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/glob"
	"github.com/poni-dev/poni/internal/mcp"
	"github.com/poni-dev/poni/internal/policy"
)

const defaultConnectTimeout = 30 * time.Second

// MCPProvider proxies a child tool server. Its tools are registered as
// "<namespace>.<tool>".
type MCPProvider struct {
	name      string
	cfg       config.MCPConfig
	connector mcp.Connector
	set       *policy.Set
	secrets   []string

	mu     sync.Mutex
	client mcp.Client
}

func NewMCPProvider(name string, cfg config.MCPConfig, connector mcp.Connector, secrets []string) (*MCPProvider, error) {
	set, err := policy.Compile(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("mcps.%s.policies: %w", name, err)
	}
	return &MCPProvider{name: name, cfg: cfg, connector: connector, set: set, secrets: secrets}, nil
}

func (p *MCPProvider) Namespace() string   { return p.name }
func (p *MCPProvider) Kind() Kind          { return KindMCP }
func (p *MCPProvider) Policy() *policy.Set { return p.set }

func (p *MCPProvider) Start(ctx context.Context) ([]Capability, error) {
	_ = p.Stop()

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	client, err := p.connector.Connect(ctx, p.name, p.cfg)
	if err != nil {
		return nil, err
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools failed: %w", err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	caps := make([]Capability, 0, len(defs))
	for _, d := range defs {
		if !allowedTool(p.cfg.Tools, d.Name) {
			continue
		}
		caps = append(caps, Capability{
			Name:        p.name + "." + d.Name,
			Tool:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Provider:    p.name,
		})
	}
	return caps, nil
}

func (p *MCPProvider) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (p *MCPProvider) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	return p.client.Done()
}

func (p *MCPProvider) Subject(_ context.Context, c Capability, args map[string]any) (policy.Input, error) {
	return policy.Input{Target: p.name, Tool: c.Tool, Structured: args}, nil
}

func (p *MCPProvider) Invoke(ctx context.Context, c Capability, args map[string]any) (Response, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return Response{}, fmt.Errorf("mcp server %s is not connected", p.name)
	}

	timeout := p.cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := client.CallTool(callCtx, c.Tool, args)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Response{
				Outcome:  OutcomeTimeout,
				Text:     fmt.Sprintf("%s timed out after %s", c.Name, timeout),
				ExitCode: -1,
				Duration: duration,
			}, nil
		}
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return Response{Outcome: OutcomeFailed, Text: "Error: " + rpcErr.Message, ExitCode: -1, Duration: duration}, nil
		}
		return Response{}, err
	}

	text := p.set.Redactor().WithSecrets(p.secrets).Apply(res.Text)
	if res.IsError {
		return Response{Outcome: OutcomeFailed, Text: text, ExitCode: 1, Duration: duration}, nil
	}
	return Response{Outcome: OutcomeOK, Text: text, Duration: duration}, nil
}

// allowedTool applies the provider's tool filter. Deny wins over allow; an
// empty allow list admits every tool.
func allowedTool(f config.ToolFilter, name string) bool {
	if glob.MatchAny(f.Deny, name) {
		return false
	}
	return len(f.Allow) == 0 || glob.MatchAny(f.Allow, name)
}
