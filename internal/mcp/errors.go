package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on. Transport and protocol failures
// that carry structure (HTTP status, JSON-RPC code) use the typed
// errors below instead.
var (
	// ErrStreamUnsupported indicates the response carried no readable
	// body to decode as an event stream.
	ErrStreamUnsupported = errors.New("response has no event stream to decode")

	// ErrNoDataInStream indicates an event stream ended without a single
	// valid data payload.
	ErrNoDataInStream = errors.New("event stream ended without a data payload")

	// ErrMissingFileData indicates an upload supplied neither in-memory
	// bytes nor a file path, or both.
	ErrMissingFileData = errors.New("upload requires exactly one of Data or Path")

	// ErrCapabilityUnsupported indicates the underlying transport does
	// not implement the requested operation.
	ErrCapabilityUnsupported = errors.New("transport does not support this operation")

	// ErrRetriesExhausted is the terminal error for the retry loop. The
	// loop returns the last attempt's error directly, so this should be
	// unreachable.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInitializeSuperseded indicates an in-flight initialize was
	// invalidated by a concurrent Close or re-initialization; its result
	// was discarded.
	ErrInitializeSuperseded = errors.New("initialize superseded")
)

// HTTPStatusError is returned for non-2xx HTTP responses. Body holds at
// most the first 200 characters of the response body as diagnostic
// context.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Status, e.Body)
}

// isClientError reports whether err is an HTTP 4xx failure. Client
// errors are never retried: repeating a request the server has already
// rejected as malformed or unauthorized cannot succeed.
func isClientError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.Status >= 400 && statusErr.Status < 500
}

// truncateBody caps diagnostic body excerpts at 200 characters.
func truncateBody(body string) string {
	const limit = 200
	if len(body) > limit {
		return body[:limit]
	}
	return body
}
