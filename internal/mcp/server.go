package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler serves the tool surface exposed to the agent.
type Handler interface {
	Tools() []ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error)
}

// Server speaks newline-delimited JSON-RPC 2.0 to a single agent over a
// reader/writer pair, normally the process's stdin and stdout.
type Server struct {
	name    string
	version string
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	out     io.Writer
}

func NewServer(name, version string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{name: name, version: version, handler: handler, logger: logger}
}

// Serve handles requests until r reaches EOF or ctx ends. tools/call requests
// run concurrently; every other method is answered in arrival order. Serve
// waits for in-flight calls before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				s.writeError(nil, CodeParseError, "parse error")
				continue
			}
			if req.Method == "tools/call" && !req.IsNotification() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.handleRequest(ctx, req)
				}()
				continue
			}
			s.handleRequest(ctx, req)
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) {
	if req.JSONRPC != jsonRPCVersion {
		s.reply(req, nil, &RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\""})
		return
	}

	switch req.Method {
	case "initialize":
		s.reply(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
		}, nil)
	case "notifications/initialized", "notifications/cancelled":
	case "ping":
		s.reply(req, map[string]any{}, nil)
	case "tools/list":
		defs := s.handler.Tools()
		tools := make([]Tool, 0, len(defs))
		for _, d := range defs {
			schema := d.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, Tool{Name: d.Name, Description: d.Description, InputSchema: schema})
		}
		s.reply(req, ListToolsResult{Tools: tools}, nil)
	case "tools/call":
		s.handleToolCall(ctx, req)
	default:
		s.reply(req, nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)})
	}
}

func (s *Server) handleToolCall(ctx context.Context, req Request) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.reply(req, nil, &RPCError{Code: CodeInvalidParams, Message: "tools/call requires a tool name"})
		return
	}

	res, err := s.handler.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		s.logger.Debug("tool call failed", "tool", params.Name, "error", err)
		res = CallResult{Text: err.Error(), IsError: true}
	}
	s.reply(req, CallToolResult{
		Content: []ContentItem{{Type: "text", Text: res.Text}},
		IsError: res.IsError,
	}, nil)
}

func (s *Server) reply(req Request, result any, rpcErr *RPCError) {
	if req.IsNotification() {
		return
	}
	if rpcErr != nil {
		s.writeError(req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.write(Response{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	s.write(Response{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode json-rpc response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Debug("write json-rpc response", "error", err)
	}
}
