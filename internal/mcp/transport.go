package mcp

import (
	"context"
	"encoding/json"
	"iter"
	"time"
)

// Transport is the core capability every MCP transport provides: one
// JSON-RPC exchange at a time, with framing, encoding, request-id
// assignment, and error mapping handled by the implementation.
//
// Optional capabilities (streaming, uploads, explicit shutdown) are
// separate interfaces; callers type-assert for them instead of probing
// dynamically.
type Transport interface {
	// Send issues a JSON-RPC request and returns the decoded result.
	// Protocol-level errors are returned as *RPCError.
	Send(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
}

// Streamer is implemented by transports that support server-streamed
// responses. The returned sequence yields each decoded message as the
// stream progresses; it must be consumed (or ctx cancelled) to release
// the underlying connection. Streamed calls are never retried.
type Streamer interface {
	Stream(ctx context.Context, method string, params any, opts ...CallOption) (iter.Seq2[json.RawMessage, error], error)
}

// Upload describes one file upload: form fields plus exactly one of
// in-memory Data or a file Path.
type Upload struct {
	// Fields are additional multipart form fields.
	Fields map[string]string

	// Filename names the file part. Defaults to "upload" (or the base
	// name of Path when uploading from disk).
	Filename string

	// Data is the in-memory file content.
	Data []byte

	// Path references a file on disk to upload.
	Path string
}

// Uploader is implemented by transports that support multipart file
// uploads.
type Uploader interface {
	UploadFile(ctx context.Context, up Upload) (json.RawMessage, error)
}

// Closer is implemented by transports with teardown work: terminating a
// server-side session, stopping a subprocess.
type Closer interface {
	Close(ctx context.Context) error
}

// CallOption adjusts one Send or Stream call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithCallTimeout bounds each attempt of the call. The timeout is only
// applied when the caller's context carries no deadline of its own, and
// each retry attempt gets a fresh window.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
