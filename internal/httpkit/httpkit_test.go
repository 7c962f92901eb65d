package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", c.Timeout)
	}
	if _, ok := c.Transport.(*userAgentTransport); !ok {
		t.Errorf("transport = %T, want userAgentTransport", c.Transport)
	}
}

func TestWithTimeoutZeroDisables(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0", c.Timeout)
	}
}

func TestWithoutUserAgent(t *testing.T) {
	c := NewClient(WithoutUserAgent())
	if _, ok := c.Transport.(*userAgentTransport); ok {
		t.Error("userAgentTransport still installed")
	}
}

func TestUserAgentInjection(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("tester/1.0"))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "tester/1.0" {
		t.Errorf("User-Agent = %q, want tester/1.0", got)
	}
}

func TestUserAgentNotOverridden(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("default/1.0"))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "explicit/2.0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "explicit/2.0" {
		t.Errorf("User-Agent = %q, an explicit header must win", got)
	}
}

func TestDrainAndCloseNil(t *testing.T) {
	DrainAndClose(nil, 1024) // must not panic
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("server exploded"))
	if got := ReadErrorBody(body, 4096); got != "server exploded" {
		t.Errorf("body = %q", got)
	}

	long := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(long, 10); len(got) != 10 {
		t.Errorf("limited read returned %d bytes, want 10", len(got))
	}

	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}
}
