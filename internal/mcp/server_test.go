package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func serveLines(t *testing.T, h Handler, input string) []map[string]any {
	t.Helper()
	var out strings.Builder
	srv := NewServer("poni", "test", h, nil)
	if err := srv.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve() error: %v", err)
	}

	var replies []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var msg map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("reply is not json: %q", scanner.Text())
		}
		replies = append(replies, msg)
	}
	return replies
}

func TestServer_InitializeAndList(t *testing.T) {
	replies := serveLines(t, echoHandler{}, strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":"p","method":"ping"}`,
	}, "\n"))

	if len(replies) != 3 {
		t.Fatalf("expected 3 replies (notification unanswered), got %d: %v", len(replies), replies)
	}
	initResult := replies[0]["result"].(map[string]any)
	if initResult["protocolVersion"] != ProtocolVersion {
		t.Fatalf("unexpected protocol version: %v", initResult)
	}
	tools := replies[1]["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "echo" {
		t.Fatalf("unexpected tools: %v", tools)
	}
	if replies[2]["id"] != "p" {
		t.Fatalf("expected string id echoed, got %v", replies[2]["id"])
	}
}

func TestServer_ToolCall(t *testing.T) {
	replies := serveLines(t, echoHandler{}, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`+"\n")

	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %v", replies)
	}
	result := replies[0]["result"].(map[string]any)
	content := result["content"].([]any)[0].(map[string]any)
	if content["text"] != "echo: hi" {
		t.Fatalf("unexpected content: %v", content)
	}
	if _, isErr := result["isError"]; isErr {
		t.Fatalf("expected success result, got %v", result)
	}
}

func TestServer_HandlerErrorBecomesErrorResult(t *testing.T) {
	replies := serveLines(t, echoHandler{}, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`+"\n")

	result := replies[0]["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("expected isError, got %v", result)
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	replies := serveLines(t, echoHandler{}, strings.Join([]string{
		`not json`,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}`,
	}, "\n"))

	wantCodes := []float64{CodeParseError, CodeMethodNotFound, CodeInvalidParams}
	if len(replies) != len(wantCodes) {
		t.Fatalf("expected %d replies, got %v", len(wantCodes), replies)
	}
	for i, want := range wantCodes {
		rpcErr, ok := replies[i]["error"].(map[string]any)
		if !ok || rpcErr["code"] != want {
			t.Fatalf("reply %d: expected code %v, got %v", i, want, replies[i])
		}
	}
}

type blockingHandler struct {
	echoHandler
	release chan struct{}
}

func (h blockingHandler) CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error) {
	if name == "slow" {
		<-h.release
		return CallResult{Text: "slow done"}, nil
	}
	return h.echoHandler.CallTool(ctx, name, args)
}

func TestServer_ToolCallsRunConcurrently(t *testing.T) {
	h := blockingHandler{release: make(chan struct{})}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- NewServer("poni", "test", h, nil).Serve(context.Background(), inR, outW)
		_ = outW.Close()
	}()

	go func() {
		_, _ = io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`+"\n")
		_, _ = io.WriteString(inW, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"fast"}}}`+"\n")
	}()

	reader := bufio.NewReader(outR)
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read first reply: %v", err)
	}
	if !strings.Contains(first, `"id":2`) {
		t.Fatalf("expected the fast call to finish first, got %s", first)
	}

	close(h.release)
	second, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read second reply: %v", err)
	}
	if !strings.Contains(second, "slow done") {
		t.Fatalf("unexpected second reply %s", second)
	}

	_ = inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}
