package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poni-dev/poni/internal/config"
	"github.com/poni-dev/poni/internal/executor"
	"github.com/poni-dev/poni/internal/version"
)

const (
	maxScannerBuffer = 10 * 1024 * 1024
	stderrTailBytes  = 4096
	closeGrace       = 2 * time.Second
)

// StdioConnector launches child servers that speak newline-delimited
// JSON-RPC on stdin/stdout.
type StdioConnector struct {
	Logger *slog.Logger
}

func NewStdioConnector(logger *slog.Logger) *StdioConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioConnector{Logger: logger}
}

func (c *StdioConnector) Connect(ctx context.Context, serverName string, cfg config.MCPConfig) (Client, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("mcp server %q: command is required", serverName)
	}

	// The child outlives ctx, which only bounds the handshake.
	cmd := exec.Command(command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	executor.SetProcGroup(cmd)
	cmd.WaitDelay = closeGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %q: %w", serverName, err)
	}

	client := &stdioClient{
		serverName: serverName,
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		pending:    make(map[string]chan rpcEnvelope),
		exitDone:   make(chan struct{}),
		logger:     c.Logger.With("mcp", serverName),
	}
	go client.recvLoop(stdout)

	if err := client.initialize(ctx); err != nil {
		_ = client.Close()
		return nil, client.decorateError(err)
	}
	client.logger.Debug("mcp server connected", "pid", cmd.Process.Pid)
	return client, nil
}

type stdioClient struct {
	serverName string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     *tailBuffer
	logger     *slog.Logger

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[string]chan rpcEnvelope

	exitMu   sync.RWMutex
	exited   bool
	exitErr  error
	exitDone chan struct{}

	closeOnce sync.Once
}

func (c *stdioClient) initialize(ctx context.Context) error {
	if _, err := c.invoke(ctx, "initialize", buildInitializeParams(version.Version)); err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}
	if err := c.notify("notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

func (c *stdioClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.invoke(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeToolDefinitions(raw)
}

func (c *stdioClient) CallTool(ctx context.Context, toolName string, args map[string]any) (CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.invoke(ctx, "tools/call", CallToolParams{
		Name:      strings.TrimSpace(toolName),
		Arguments: args,
	})
	if err != nil {
		return CallResult{}, err
	}
	return decodeCallResult(raw)
}

func (c *stdioClient) Done() <-chan struct{} {
	return c.exitDone
}

// Close ends the session: stdin is closed first so a well-behaved server
// exits on its own, then the process group is killed after a grace period.
func (c *stdioClient) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.stdin.Close()
		c.writeMu.Unlock()

		select {
		case <-c.exitDone:
		case <-time.After(closeGrace):
			_ = executor.KillProcGroup(c.cmd)
			<-c.exitDone
		}
	})
	return nil
}

func (c *stdioClient) invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.processExitError(); err != nil {
		return nil, c.decorateError(err)
	}

	id := strconv.FormatInt(atomic.AddInt64(&c.nextID, 1), 10)
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      json.RawMessage(id),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}

	ch := make(chan rpcEnvelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeLine(payload); err != nil {
		return nil, c.decorateError(err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env := <-ch:
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-c.exitDone:
		// a reply may have raced the exit
		select {
		case env := <-ch:
			if env.Error != nil {
				return nil, env.Error
			}
			return env.Result, nil
		default:
		}
		return nil, c.decorateError(c.processExitError())
	}
}

func (c *stdioClient) notify(method string, params any) error {
	if err := c.processExitError(); err != nil {
		return c.decorateError(err)
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("encode json-rpc notification: %w", err)
	}
	return c.decorateError(c.writeLine(payload))
}

func (c *stdioClient) writeLine(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write mcp message: %w", err)
	}
	return nil
}

// recvLoop is the only reader of stdout. It reaps the process once stdout
// reaches EOF.
func (c *stdioClient) recvLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Debug("ignoring malformed mcp message", "error", err)
			continue
		}
		if len(env.ID) == 0 || env.Method != "" {
			// server notification or server-initiated request
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[normalizeID(env.ID)]
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("mcp stdout read failed", "error", err)
		_ = executor.KillProcGroup(c.cmd)
	}
	c.markExited(c.cmd.Wait())
}

func (c *stdioClient) markExited(err error) {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	if c.exited {
		return
	}
	c.exited = true
	c.exitErr = err
	close(c.exitDone)
}

func (c *stdioClient) processExitError() error {
	c.exitMu.RLock()
	defer c.exitMu.RUnlock()

	if !c.exited {
		return nil
	}
	if c.exitErr == nil {
		return fmt.Errorf("mcp server %q exited", c.serverName)
	}
	return fmt.Errorf("mcp server %q exited: %w", c.serverName, c.exitErr)
}

func (c *stdioClient) decorateError(err error) error {
	if err == nil {
		return nil
	}
	if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
		return fmt.Errorf("%w; stderr=%s", err, tail)
	}
	return err
}

// normalizeID maps numeric and string IDs onto one key space.
func normalizeID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; override {
			continue
		}
		out = append(out, kv)
	}
	for key, value := range extra {
		if key = strings.TrimSpace(key); key != "" {
			out = append(out, key+"="+value)
		}
	}
	return out
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
