package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stationkeep/mcpwire/internal/httpkit"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
	acceptBoth        = contentTypeJSON + ", " + contentTypeStream

	// Response bodies are capped to keep a misbehaving server from
	// exhausting memory.
	maxResponseBytes = 10 << 20
)

// StreamableHTTPConfig configures a streamable HTTP MCP transport.
type StreamableHTTPConfig struct {
	// BaseURL is the MCP server base URL (e.g., https://mcp.example.com).
	BaseURL string

	// Endpoint is the JSON-RPC endpoint path (default: /mcp).
	Endpoint string

	// UploadPath is the file upload endpoint path (default: /files).
	UploadPath string

	// Headers are base headers sent with every request. Auth-provider
	// and session headers are merged on top of these.
	Headers map[string]string

	// Auth produces per-request authentication headers. Optional.
	Auth HeaderProvider

	// Retry controls re-attempts for Send. Zero delays fall back to the
	// defaults (300ms base, 2s cap); MaxRetries zero means a single
	// attempt. Use DefaultRetryPolicy for the standard schedule.
	Retry RetryPolicy

	// RequestTimeout bounds each Send attempt when the caller's context
	// carries no deadline and the call sets no timeout of its own.
	// Zero means no default timeout.
	RequestTimeout time.Duration

	// HTTPClient overrides the default httpkit client. The client must
	// not set an overall timeout, or long-lived streams will be cut off.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StreamableHTTP communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is an HTTP POST; the response comes back either
// as a JSON body or as an SSE event stream. One StreamableHTTP carries
// at most one live session.
//
// StreamableHTTP implements Transport, Streamer, Uploader, and Closer.
type StreamableHTTP struct {
	endpointURL    string
	uploadURL      string
	headers        map[string]string
	auth           HeaderProvider
	retry          RetryPolicy
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger

	session *session
	nextID  atomic.Int64
}

var (
	_ Transport = (*StreamableHTTP)(nil)
	_ Streamer  = (*StreamableHTTP)(nil)
	_ Uploader  = (*StreamableHTTP)(nil)
	_ Closer    = (*StreamableHTTP)(nil)
)

// NewStreamableHTTP creates a streamable HTTP transport for the given config.
func NewStreamableHTTP(cfg StreamableHTTPConfig) *StreamableHTTP {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "/mcp"
	}
	uploadPath := cfg.UploadPath
	if uploadPath == "" {
		uploadPath = "/files"
	}

	client := cfg.HTTPClient
	if client == nil {
		// No overall timeout: SSE responses stay open indefinitely.
		// Per-attempt deadlines come from contexts.
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	return &StreamableHTTP{
		endpointURL:    base + ensureLeadingSlash(endpoint),
		uploadURL:      base + ensureLeadingSlash(uploadPath),
		headers:        cfg.Headers,
		auth:           cfg.Auth,
		retry:          cfg.Retry.withDefaults(),
		requestTimeout: cfg.RequestTimeout,
		httpClient:     client,
		logger:         logger,
		session:        &session{logger: logger},
	}
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Session returns the current session id and negotiated protocol
// version. Both are empty until an initialize call succeeds.
func (t *StreamableHTTP) Session() (id, protocolVersion string) {
	return t.session.snapshot()
}

// Send issues a JSON-RPC request, retrying per the transport's policy.
// 4xx responses are never retried. For initialize calls, the session id
// from the response header and the negotiated protocol version from the
// result are committed — unless a concurrent Close or re-initialization
// superseded the attempt, in which case the late result is discarded.
func (t *StreamableHTTP) Send(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	req := NewRequest(t.nextID.Add(1), method, params)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	isInit := method == "initialize"
	var gen uint64
	if isInit {
		gen = t.session.beginInitialize()
	}

	co := applyCallOptions(opts)
	timeout := co.timeout
	if timeout == 0 {
		timeout = t.requestTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		result, err := t.sendOnce(ctx, method, body, isInit, gen, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isClientError(err) {
			return nil, err
		}
		if attempt == t.retry.MaxRetries || !t.retry.retryable(err, attempt) {
			return nil, err
		}

		delay := t.retry.delay(attempt)
		t.logger.Debug("retrying request",
			"method", method,
			"attempt", attempt+1,
			"max_retries", t.retry.MaxRetries,
			"delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}

	// Unreachable: the loop returns on the last attempt. Kept as a
	// terminal guard.
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, t.retry.MaxRetries+1, lastErr)
}

// sendOnce performs a single HTTP exchange. When timeout is set and the
// caller's context has no deadline, the attempt runs under a derived
// deadline; each retry gets a fresh window.
func (t *StreamableHTTP) sendOnce(ctx context.Context, method string, body []byte, isInit bool, gen uint64, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	hdrs, err := t.requestHeaders(ctx, acceptBoth)
	if err != nil {
		return nil, err
	}
	applyHeaders(httpReq, hdrs)
	httpReq.Header.Set("Content-Type", contentTypeJSON)

	t.logger.Debug("sending request",
		"method", method,
		"url", t.endpointURL,
		"headers", redactHeaders(hdrs),
	)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.endpointURL, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, &HTTPStatusError{Status: httpResp.StatusCode, Body: truncateBody(errBody)}
	}

	var result json.RawMessage
	if isEventStream(httpResp.Header.Get("Content-Type")) {
		result, err = decodeSSEResponse(httpResp.Body)
	} else {
		var data []byte
		data, err = io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		result, err = decodeResponse(data)
	}
	if err != nil {
		return nil, err
	}

	if isInit {
		sid := httpResp.Header.Get(headerSessionID)
		if !t.session.commit(gen, sid, protocolVersionFromResult(result)) {
			t.logger.Debug("discarding superseded initialize response")
		}
	}

	return result, nil
}

// Notify sends a JSON-RPC notification. 200, 202, and 204 all count as
// accepted.
func (t *StreamableHTTP) Notify(ctx context.Context, method string, params any) error {
	body, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}

	hdrs, err := t.requestHeaders(ctx, acceptBoth)
	if err != nil {
		return err
	}
	applyHeaders(httpReq, hdrs)
	httpReq.Header.Set("Content-Type", contentTypeJSON)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("POST %s: %w", t.endpointURL, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return &HTTPStatusError{Status: httpResp.StatusCode, Body: truncateBody(errBody)}
	}
}

// Stream issues a request whose response is consumed as a lazy event
// sequence. A single attempt only: retrying a partially consumed stream
// would replay messages the caller already saw. The sequence must be
// consumed, or ctx cancelled, to release the connection.
func (t *StreamableHTTP) Stream(ctx context.Context, method string, params any, _ ...CallOption) (iter.Seq2[json.RawMessage, error], error) {
	req := NewRequest(t.nextID.Add(1), method, params)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	hdrs, err := t.requestHeaders(ctx, contentTypeStream)
	if err != nil {
		return nil, err
	}
	applyHeaders(httpReq, hdrs)
	httpReq.Header.Set("Content-Type", contentTypeJSON)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.endpointURL, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, &HTTPStatusError{Status: httpResp.StatusCode, Body: truncateBody(errBody)}
	}
	if httpResp.Body == nil {
		return nil, ErrStreamUnsupported
	}

	return events(ctx, httpResp.Body), nil
}

// UploadFile posts a multipart form with the given fields plus one file
// part, sourced from memory or from disk. Uploads are never retried.
func (t *StreamableHTTP) UploadFile(ctx context.Context, up Upload) (json.RawMessage, error) {
	hasData := len(up.Data) > 0
	hasPath := up.Path != ""
	if hasData == hasPath {
		return nil, ErrMissingFileData
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range up.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", k, err)
		}
	}

	filename := up.Filename
	if filename == "" {
		if hasPath {
			filename = filepath.Base(up.Path)
		} else {
			filename = "upload"
		}
	}

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if hasData {
		if _, err := part.Write(up.Data); err != nil {
			return nil, fmt.Errorf("write file part: %w", err)
		}
	} else {
		f, err := os.Open(up.Path)
		if err != nil {
			return nil, fmt.Errorf("open upload file: %w", err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read upload file %s: %w", up.Path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	hdrs, err := t.requestHeaders(ctx, contentTypeJSON)
	if err != nil {
		return nil, err
	}
	applyHeaders(httpReq, hdrs)
	// The multipart boundary is runtime-determined; nothing may override it.
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	t.logger.Debug("uploading file",
		"url", t.uploadURL,
		"filename", filename,
		"headers", redactHeaders(hdrs),
	)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.uploadURL, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, &HTTPStatusError{Status: httpResp.StatusCode, Body: truncateBody(errBody)}
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	msg, err := decodeEventPayload(data)
	if errors.Is(err, errMalformedEvent) {
		// Non-JSON upload ack; nothing to return.
		return nil, nil
	}
	return msg, err
}

// Close terminates the session: state is cleared unconditionally, then a
// best-effort DELETE carries the old session id to the server. 200, 204,
// and 404 all count as successful termination; failures are logged, never
// propagated, so a dead session id cannot leak into future calls.
func (t *StreamableHTTP) Close(ctx context.Context) error {
	sid, hadSession := t.session.clear()
	if !hadSession {
		t.logger.Debug("close with no active session")
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpointURL, nil)
	if err != nil {
		t.logger.Warn("session termination request failed", "error", err)
		return nil
	}

	hdrs, err := t.requestHeaders(ctx, contentTypeJSON)
	if err != nil {
		t.logger.Warn("session termination headers failed", "error", err)
		return nil
	}
	applyHeaders(httpReq, hdrs)
	httpReq.Header.Set(headerSessionID, sid)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.logger.Warn("session termination failed", "error", err)
		return nil
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		t.logger.Debug("session terminated", "status", httpResp.StatusCode)
	default:
		t.logger.Warn("session termination returned unexpected status",
			"status", httpResp.StatusCode,
		)
	}
	return nil
}

// requestHeaders assembles the header set for one exchange: base
// headers, then auth-provider headers, then session headers — later
// layers win on collision — and finally the Accept value for this call.
func (t *StreamableHTTP) requestHeaders(ctx context.Context, accept string) (map[string]string, error) {
	h := make(map[string]string, len(t.headers)+4)
	for k, v := range t.headers {
		h[k] = v
	}
	if t.auth != nil {
		ah, err := t.auth.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth headers: %w", err)
		}
		for k, v := range ah {
			h[k] = v
		}
	}
	for k, v := range t.session.headers() {
		h[k] = v
	}
	h["Accept"] = accept
	return h, nil
}

func applyHeaders(req *http.Request, h map[string]string) {
	for k, v := range h {
		req.Header.Set(k, v)
	}
}

// isEventStream reports whether a Content-Type declares SSE framing.
func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(contentType, contentTypeStream)
	}
	return mt == contentTypeStream
}

// protocolVersionFromResult extracts the negotiated protocol version
// from an initialize result. Empty when absent; the session layer
// substitutes the baseline default.
func protocolVersionFromResult(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var r struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(result, &r)
	return r.ProtocolVersion
}
