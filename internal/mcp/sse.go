package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// doneSentinel terminates an event stream explicitly; streams may also
// end at EOF.
const doneSentinel = "[DONE]"

// errMalformedEvent marks a data line whose payload is not valid JSON.
// Malformed events are skipped rather than aborting the stream.
var errMalformedEvent = errors.New("malformed event payload")

// dataPayload extracts the payload from one SSE line. Lines without the
// "data:" prefix, empty payloads, and the termination sentinel yield
// ok=false.
func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == doneSentinel {
		return "", false
	}
	return payload, true
}

// decodeEventPayload decodes one SSE data payload. Payloads carrying the
// "jsonrpc" protocol marker are decoded as JSON-RPC envelopes (surfacing
// protocol errors); any other valid JSON is yielded raw.
func decodeEventPayload(payload []byte) (json.RawMessage, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: %.80s", errMalformedEvent, payload)
	}

	var probe struct {
		JSONRPC string `json:"jsonrpc"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.JSONRPC == "" {
		// Not a JSON-RPC envelope; pass the raw payload through.
		return json.RawMessage(bytes.Clone(payload)), nil
	}

	return decodeResponse(payload)
}

// newStreamScanner wraps r in a line scanner sized for large payloads.
// bufio.Scanner holds any unterminated trailing line internally until
// the next chunk arrives, so partial lines are never parsed.
func newStreamScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

// events returns a lazy sequence of decoded messages from an SSE body.
// The body is closed when the sequence is exhausted or abandoned.
// Cancelling ctx aborts the underlying read; a partially buffered line
// at that point is discarded.
func events(ctx context.Context, body io.ReadCloser) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer body.Close()

		scanner := newStreamScanner(body)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			payload, ok := dataPayload(scanner.Text())
			if !ok {
				continue
			}

			msg, err := decodeEventPayload([]byte(payload))
			if errors.Is(err, errMalformedEvent) {
				continue
			}
			if !yield(msg, err) || err != nil {
				return
			}
		}

		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			yield(nil, fmt.Errorf("read event stream: %w", err))
		}
	}
}

// decodeSSEResponse reads an SSE-framed reply in single-result mode: the
// first valid data payload completes the exchange. Used for SSE-framed
// responses to plain request/initialize calls.
func decodeSSEResponse(body io.Reader) (json.RawMessage, error) {
	if body == nil {
		return nil, ErrStreamUnsupported
	}

	scanner := newStreamScanner(body)
	for scanner.Scan() {
		payload, ok := dataPayload(scanner.Text())
		if !ok {
			continue
		}

		msg, err := decodeEventPayload([]byte(payload))
		if errors.Is(err, errMalformedEvent) {
			continue
		}
		return msg, err
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, ErrNoDataInStream
}
