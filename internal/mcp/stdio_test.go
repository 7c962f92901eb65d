package mcp

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

func skipWithoutUnixTools(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test needs unix shell tools")
	}
}

func TestStdio_CommandNotFound(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "/nonexistent/mcp-server"})
	defer tr.Close(context.Background())

	if _, err := tr.Send(context.Background(), "ping", nil); err == nil {
		t.Fatal("Send succeeded with a nonexistent command")
	}
}

// cat echoes our own request line back. It carries the matching id with
// no result and no error, which Send resolves as an empty result.
func TestStdio_EchoRoundtrip(t *testing.T) {
	skipWithoutUnixTools(t)

	tr := NewStdio(StdioConfig{Command: "cat"})
	defer tr.Close(context.Background())

	result, err := tr.Send(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("result = %s, want empty", result)
	}
}

func TestStdio_SkipsUnmatchedLines(t *testing.T) {
	skipWithoutUnixTools(t)

	// Emit noise, an unmatched response, then the real one.
	script := `echo 'not json'; ` +
		`echo '{"jsonrpc":"2.0","id":99,"result":{}}'; ` +
		`echo '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}'; ` +
		`cat >/dev/null`
	tr := NewStdio(StdioConfig{Command: "sh", Args: []string{"-c", script}})
	defer tr.Close(context.Background())

	result, err := tr.Send(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s, want {\"ok\":true}", result)
	}
}

func TestStdio_ErrorResponse(t *testing.T) {
	skipWithoutUnixTools(t)

	script := `echo '{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}'; cat >/dev/null`
	tr := NewStdio(StdioConfig{Command: "sh", Args: []string{"-c", script}})
	defer tr.Close(context.Background())

	_, err := tr.Send(context.Background(), "nope", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d, want -32601", rpcErr.Code)
	}
}

func TestStdio_CallTimeoutKillsBlockedRead(t *testing.T) {
	skipWithoutUnixTools(t)

	// A subprocess that never answers.
	tr := NewStdio(StdioConfig{Command: "sh", Args: []string{"-c", "cat >/dev/null"}})
	defer tr.Close(context.Background())

	start := time.Now()
	_, err := tr.Send(context.Background(), "ping", nil, WithCallTimeout(100*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send took %v, the timeout did not interrupt the read", elapsed)
	}
}

func TestStdio_CloseWithoutStart(t *testing.T) {
	tr := NewStdio(StdioConfig{Command: "cat"})
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestStdio_NotifyWritesLine(t *testing.T) {
	skipWithoutUnixTools(t)

	tr := NewStdio(StdioConfig{Command: "cat"})
	defer tr.Close(context.Background())

	if err := tr.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}
