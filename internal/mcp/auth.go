package mcp

import (
	"context"
	"fmt"
	"strings"
)

// HeaderProvider produces authentication headers for outbound requests.
// Providers are invoked per request so short-lived credentials stay
// fresh. Provider headers are merged after base headers and before
// call-specific headers, so session headers always win on collision.
type HeaderProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// StaticHeaders is a HeaderProvider for fixed header sets (API keys,
// custom auth schemes).
type StaticHeaders map[string]string

func (s StaticHeaders) Headers(context.Context) (map[string]string, error) {
	return s, nil
}

// BearerToken is a HeaderProvider producing an Authorization header.
// When Source is set it is consulted per request; otherwise the static
// Token is used.
type BearerToken struct {
	Token  string
	Source func(ctx context.Context) (string, error)
}

func (b *BearerToken) Headers(ctx context.Context) (map[string]string, error) {
	token := b.Token
	if b.Source != nil {
		t, err := b.Source(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch bearer token: %w", err)
		}
		token = t
	}
	if token == "" {
		return nil, nil
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// sensitiveHeaders are never logged verbatim. Matched case-insensitively.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
}

// redactHeaders returns a copy of h safe to hand to a logger: values of
// credential-bearing headers are replaced with a placeholder.
func redactHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = "[redacted]"
		} else {
			out[k] = v
		}
	}
	return out
}
