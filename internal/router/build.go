package router

import (
	"fmt"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/mcp"
)

// Sources are the collaborators needed to build providers from config.
type Sources struct {
	Connector mcp.Connector
	Branches  BranchReader
	// Root is the project root commands run in.
	Root string
}

// FromConfig builds one provider per configured MCP server, CLI wrapper and
// custom tool. Providers are not started.
func FromConfig(cfg *config.Config, src Sources, opts Options) (*Router, error) {
	var providers []Provider
	secrets := cfg.SecretValues()

	for name, mc := range cfg.MCPs {
		if src.Connector == nil {
			return nil, fmt.Errorf("mcps.%s: no connector configured", name)
		}
		p, err := NewMCPProvider(name, mc, src.Connector, secrets)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}

	r := New(opts, providers...)

	for name, cc := range cfg.CLI {
		p, err := NewCLIProvider(name, cc, src.Root, r.exec)
		if err != nil {
			return nil, err
		}
		r.providers[p.Namespace()] = &providerState{p: p}
	}
	for name, tc := range cfg.Tools {
		p, err := NewScriptProvider(name, tc, src.Root, r.exec, src.Branches)
		if err != nil {
			return nil, err
		}
		r.providers[p.Namespace()] = &providerState{p: p}
	}
	return r, nil
}
