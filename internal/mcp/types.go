package mcp

import (
	"context"

	"github.com/poni-dev/poni/internal/config"
)

// ProtocolVersion is the MCP revision spoken on both sides of the proxy.
const ProtocolVersion = "2024-11-05"

// ToolDefinition describes a tool discovered from an MCP server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CallResult is the text content of one tools/call reply.
type CallResult struct {
	Text    string
	IsError bool
}

// Client is one live session with a child tool server.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, toolName string, args map[string]any) (CallResult, error)
	// Done is closed once the server process has exited.
	Done() <-chan struct{}
	Close() error
}

// Connector starts a server and returns an initialized client.
type Connector interface {
	Connect(ctx context.Context, serverName string, cfg config.MCPConfig) (Client, error)
}
