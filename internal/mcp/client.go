package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/stationkeep/mcpwire/internal/queue"
)

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo is returned in the initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what an MCP server supports.
type ServerCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// InitializeResult is the initialize response result.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// QueuedAck is the success-shaped acknowledgment returned when a request
// was deferred into the offline queue instead of reaching the server.
type QueuedAck struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id,omitempty"`
}

// IsQueued reports whether a Call result is a queued-deferral
// acknowledgment rather than a server response.
func IsQueued(result json.RawMessage) (QueuedAck, bool) {
	if len(result) == 0 {
		return QueuedAck{}, false
	}
	var ack QueuedAck
	if err := json.Unmarshal(result, &ack); err != nil || !ack.Queued {
		return QueuedAck{}, false
	}
	return ack, true
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name is a label for this server connection, used in logs.
	Name string

	// Transport delivers JSON-RPC exchanges. Required.
	Transport Transport

	// ClientInfo is advertised during the initialize handshake.
	ClientInfo ClientInfo

	// Queue, when set, receives requests that could not be delivered.
	Queue *queue.Queue

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// initAttempt is one initialize attempt, shareable between concurrent
// callers. result and err are immutable once done is closed.
type initAttempt struct {
	done   chan struct{}
	result *InitializeResult
	err    error
}

// Client connects to a single MCP server: it owns one Transport, drives
// the one-time initialize handshake, and routes requests to the
// transport or, on failure, into the offline queue.
//
// Initialize is idempotent-memoized: concurrent calls coalesce into one
// in-flight handshake, a completed handshake is cached, and a Close
// while the handshake is in flight discards its late result.
type Client struct {
	name       string
	transport  Transport
	clientInfo ClientInfo
	queue      *queue.Queue
	logger     *slog.Logger

	mu         sync.Mutex
	generation uint64
	attempt    *initAttempt
	tools      []ToolDefinition
}

// NewClient creates an MCP client for the given config.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := cfg.ClientInfo
	if info.Name == "" {
		info.Name = "mcpwire"
	}
	return &Client{
		name:       cfg.Name,
		transport:  cfg.Transport,
		clientInfo: info,
		queue:      cfg.Queue,
		logger:     logger.With("mcp_server", cfg.Name),
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Initialize performs the MCP handshake once. The first call issues the
// initialize request; calls made while it is in flight share its
// outcome; calls made after success return the cached result. A failed
// attempt is not cached — the next call retries.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.done:
		}
		return a.result, a.err
	}

	a := &initAttempt{done: make(chan struct{})}
	c.attempt = a
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	result, err := c.doInitialize(ctx)

	c.mu.Lock()
	switch {
	case c.generation != gen:
		// Close (or a newer attempt) superseded us while the handshake
		// was in flight; the outcome must not be cached.
		a.err = ErrInitializeSuperseded
		if c.attempt == a {
			c.attempt = nil
		}
	case err != nil:
		a.err = err
		c.attempt = nil
	default:
		a.result = result
	}
	c.mu.Unlock()
	close(a.done)

	return a.result, a.err
}

// doInitialize performs the actual handshake exchange.
func (c *Client) doInitialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": DefaultProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      c.clientInfo,
	}

	raw, err := c.transport.Send(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	result := &InitializeResult{ProtocolVersion: DefaultProtocolVersion}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, fmt.Errorf("unmarshal initialize result: %w", err)
		}
		if result.ProtocolVersion == "" {
			result.ProtocolVersion = DefaultProtocolVersion
		}
	}

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return result, nil
}

// Call issues a request. With a queue configured, a connectivity check
// reporting offline defers the request without touching the transport,
// and a transport failure converts into a deferral — the one place an
// error is deliberately swallowed and replaced with a success-shaped
// QueuedAck. Without a queue, failures propagate.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if c.queue != nil && !c.queue.Online() {
		c.logger.Debug("offline, queueing request", "method", method)
		return c.deferRequest(method, params, nil)
	}

	result, err := c.transport.Send(ctx, method, params, opts...)
	if err != nil {
		if c.queue != nil {
			c.logger.Warn("request failed, queueing for replay",
				"method", method,
				"error", err,
			)
			return c.deferRequest(method, params, err)
		}
		return nil, err
	}
	return result, nil
}

// deferRequest enqueues the call and returns a QueuedAck. cause is the
// transport failure being swallowed, if any; it resurfaces only when
// the enqueue itself fails.
func (c *Client) deferRequest(method string, params any, cause error) (json.RawMessage, error) {
	item, err := c.queue.Enqueue(method, params)
	if err != nil {
		if cause != nil {
			return nil, errors.Join(cause, err)
		}
		return nil, err
	}
	ack, err := json.Marshal(QueuedAck{Queued: true, ID: item.ID})
	if err != nil {
		return nil, fmt.Errorf("marshal queued ack: %w", err)
	}
	return ack, nil
}

// Stream passes through to the transport's streaming capability.
func (c *Client) Stream(ctx context.Context, method string, params any, opts ...CallOption) (iter.Seq2[json.RawMessage, error], error) {
	s, ok := c.transport.(Streamer)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", method, ErrCapabilityUnsupported)
	}
	return s.Stream(ctx, method, params, opts...)
}

// Upload passes through to the transport's upload capability.
func (c *Client) Upload(ctx context.Context, up Upload) (json.RawMessage, error) {
	u, ok := c.transport.(Uploader)
	if !ok {
		return nil, fmt.Errorf("upload: %w", ErrCapabilityUnsupported)
	}
	return u.UploadFile(ctx, up)
}

// FlushQueue replays queued requests through the transport in FIFO
// order. Items are removed only after delivery succeeds; the first
// failure stops the pass. Returns the number of items delivered.
func (c *Client) FlushQueue(ctx context.Context) (int, error) {
	if c.queue == nil {
		return 0, nil
	}
	return c.queue.Flush(ctx, func(ctx context.Context, item queue.Item) error {
		var params any
		if len(item.Params) > 0 {
			params = json.RawMessage(item.Params)
		}
		_, err := c.transport.Send(ctx, item.Method, params)
		return err
	})
}

// Close resets initialization state — invalidating any in-flight
// initialize — and delegates to the transport's Close if it has one.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	c.attempt = nil
	c.tools = nil
	c.mu.Unlock()

	c.logger.Info("closing MCP client")
	if closer, ok := c.transport.(Closer); ok {
		return closer.Close(ctx)
	}
	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
// Results are cached; subsequent calls return the cached list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.Lock()
	if c.tools != nil {
		defer c.mu.Unlock()
		return c.tools, nil
	}
	c.mu.Unlock()

	raw, err := c.transport.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments. The result
// is extracted from the response content blocks as a single string.
// Non-text content blocks are described inline (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.transport.Send(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}

	return text, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Send(ctx, "ping", nil)
	return err
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
