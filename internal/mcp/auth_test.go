package mcp

import (
	"context"
	"errors"
	"testing"
)

func TestStaticHeaders(t *testing.T) {
	p := StaticHeaders{"X-Api-Key": "k-1"}
	h, err := p.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h["X-Api-Key"] != "k-1" {
		t.Errorf("headers = %v", h)
	}
}

func TestBearerToken_Static(t *testing.T) {
	p := &BearerToken{Token: "tok-1"}
	h, err := p.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h["Authorization"] != "Bearer tok-1" {
		t.Errorf("Authorization = %q", h["Authorization"])
	}
}

func TestBearerToken_SourceOverridesToken(t *testing.T) {
	p := &BearerToken{
		Token:  "stale",
		Source: func(context.Context) (string, error) { return "fresh", nil },
	}
	h, err := p.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h["Authorization"] != "Bearer fresh" {
		t.Errorf("Authorization = %q, want Bearer fresh", h["Authorization"])
	}
}

func TestBearerToken_SourceError(t *testing.T) {
	wantErr := errors.New("token endpoint down")
	p := &BearerToken{
		Source: func(context.Context) (string, error) { return "", wantErr },
	}
	if _, err := p.Headers(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestBearerToken_EmptyTokenNoHeader(t *testing.T) {
	p := &BearerToken{}
	h, err := p.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(h) != 0 {
		t.Errorf("headers = %v, want none for empty token", h)
	}
}

func TestRedactHeaders(t *testing.T) {
	h := map[string]string{
		"Authorization":  "Bearer secret",
		"Cookie":         "session=abc",
		"X-API-Key":      "k-1",
		"Mcp-Session-Id": "sess-1",
		"Accept":         "application/json",
	}
	got := redactHeaders(h)

	for _, k := range []string{"Authorization", "Cookie", "X-API-Key"} {
		if got[k] != "[redacted]" {
			t.Errorf("%s = %q, want [redacted]", k, got[k])
		}
	}
	if got["Mcp-Session-Id"] != "sess-1" || got["Accept"] != "application/json" {
		t.Errorf("non-sensitive headers altered: %v", got)
	}

	// The input must not be mutated.
	if h["Authorization"] != "Bearer secret" {
		t.Error("redactHeaders mutated its input")
	}

	if redactHeaders(nil) != nil {
		t.Error("redactHeaders(nil) != nil")
	}
}
