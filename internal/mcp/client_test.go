package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stationkeep/mcpwire/internal/queue"
)

// mockTransport is a scriptable Transport for client tests. When gate is
// set, Send blocks until the gate closes, which lets tests hold a
// handshake in flight.
type mockTransport struct {
	mu        sync.Mutex
	sends     []string
	notifies  []string
	sendFunc  func(method string, params any) (json.RawMessage, error)
	gate      chan struct{}
	sendCount atomic.Int32
	closed    atomic.Int32
}

func (m *mockTransport) Send(ctx context.Context, method string, params any, _ ...CallOption) (json.RawMessage, error) {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.sends = append(m.sends, method)
	gate := m.gate
	fn := m.sendFunc
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(method, params)
	}
	return json.RawMessage(`{}`), nil
}

func (m *mockTransport) Notify(ctx context.Context, method string, params any) error {
	m.mu.Lock()
	m.notifies = append(m.notifies, method)
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Close(ctx context.Context) error {
	m.closed.Add(1)
	return nil
}

func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sends...)
}

func newTestClient(tr Transport, q *queue.Queue) *Client {
	return NewClient(ClientConfig{
		Name:      "test-server",
		Transport: tr,
		Queue:     q,
	})
}

func TestClient_InitializeMemoized(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"srv","version":"1"}}`), nil
		},
	}
	c := newTestClient(tr, nil)

	first, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	second, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if first != second {
		t.Error("second Initialize returned a different result, want cached pointer")
	}
	if got := tr.sendCount.Load(); got != 1 {
		t.Errorf("transport saw %d sends, want 1", got)
	}
	if len(tr.notifies) != 1 || tr.notifies[0] != "notifications/initialized" {
		t.Errorf("notifies = %v, want one notifications/initialized", tr.notifies)
	}
	if first.ServerInfo.Name != "srv" {
		t.Errorf("server name = %q", first.ServerInfo.Name)
	}
}

func TestClient_InitializeConcurrentCoalesce(t *testing.T) {
	gate := make(chan struct{})
	tr := &mockTransport{
		gate: gate,
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"protocolVersion":"2024-11-05"}`), nil
		},
	}
	c := newTestClient(tr, nil)

	const callers = 8
	results := make([]*InitializeResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Initialize(context.Background())
		}()
	}

	// Let all callers pile up on the in-flight attempt, then release it.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got a different result pointer", i)
		}
	}
	if got := tr.sendCount.Load(); got != 1 {
		t.Errorf("transport saw %d initialize sends, want 1", got)
	}
}

func TestClient_InitializeFailureNotCached(t *testing.T) {
	var fails atomic.Int32
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			if fails.Add(1) == 1 {
				return nil, errors.New("connection refused")
			}
			return json.RawMessage(`{"protocolVersion":"2024-11-05"}`), nil
		},
	}
	c := newTestClient(tr, nil)

	if _, err := c.Initialize(context.Background()); err == nil {
		t.Fatal("first Initialize succeeded, want failure")
	}
	result, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("second Initialize: %v (failed attempts must not be cached)", err)
	}
	if result == nil {
		t.Fatal("second Initialize returned nil result")
	}
	if got := tr.sendCount.Load(); got != 2 {
		t.Errorf("transport saw %d sends, want 2", got)
	}
}

func TestClient_CloseDuringInitializeSupersedes(t *testing.T) {
	gate := make(chan struct{})
	tr := &mockTransport{
		gate: gate,
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"protocolVersion":"2024-11-05"}`), nil
		},
	}
	c := newTestClient(tr, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Initialize(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrInitializeSuperseded) {
		t.Fatalf("in-flight Initialize err = %v, want ErrInitializeSuperseded", err)
	}
	if tr.closed.Load() != 1 {
		t.Error("transport Close not delegated")
	}

	// The superseded outcome must not be cached: a fresh Initialize
	// issues a new handshake.
	if _, err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize after close: %v", err)
	}
	if got := tr.sendCount.Load(); got != 2 {
		t.Errorf("transport saw %d sends, want 2", got)
	}
}

func TestClient_InitializeWaiterRespectsContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &mockTransport{gate: gate}
	c := newTestClient(tr, nil)

	go c.Initialize(context.Background())
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Initialize(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiter err = %v, want context.DeadlineExceeded", err)
	}
}

func TestClient_CallWithoutQueuePropagates(t *testing.T) {
	wantErr := errors.New("boom")
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return nil, wantErr
		},
	}
	c := newTestClient(tr, nil)

	if _, err := c.Call(context.Background(), "tools/list", nil); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestClient_CallDefersOnTransportFailure(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return nil, errors.New("connection refused")
		},
	}
	q := queue.New(queue.Config{})
	c := newTestClient(tr, q)

	result, err := c.Call(context.Background(), "tools/call", map[string]any{"name": "echo"})
	if err != nil {
		t.Fatalf("Call: %v (transport failures must convert to deferrals)", err)
	}
	ack, ok := IsQueued(result)
	if !ok {
		t.Fatalf("result = %s, want queued ack", result)
	}
	if ack.ID == "" {
		t.Error("queued ack has no id")
	}
	if n, err := q.Len(); err != nil || n != 1 {
		t.Errorf("queue length = (%d, %v), want 1", n, err)
	}
}

func TestClient_CallDefersWhenOffline(t *testing.T) {
	tr := &mockTransport{}
	q := queue.New(queue.Config{
		OnlineCheck: func() bool { return false },
	})
	c := newTestClient(tr, q)

	result, err := c.Call(context.Background(), "tools/call", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, ok := IsQueued(result); !ok {
		t.Fatalf("result = %s, want queued ack", result)
	}
	if got := tr.sendCount.Load(); got != 0 {
		t.Errorf("transport saw %d sends while offline, want 0", got)
	}
}

func TestClient_CallOnlinePassesThrough(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"tools":[]}`), nil
		},
	}
	q := queue.New(queue.Config{OnlineCheck: func() bool { return true }})
	c := newTestClient(tr, q)

	result, err := c.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, ok := IsQueued(result); ok {
		t.Error("online call returned a queued ack")
	}
	if string(result) != `{"tools":[]}` {
		t.Errorf("result = %s", result)
	}
}

func TestClient_FlushQueueReplaysFIFO(t *testing.T) {
	q := queue.New(queue.Config{})
	for i := range 3 {
		if _, err := q.Enqueue("tools/call", map[string]any{"n": i}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var replayed []int
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			var p struct {
				N int `json:"n"`
			}
			raw, _ := params.(json.RawMessage)
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("bad replay params: %w", err)
			}
			replayed = append(replayed, p.N)
			return json.RawMessage(`{}`), nil
		},
	}
	c := newTestClient(tr, q)

	sent, err := c.FlushQueue(context.Background())
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if sent != 3 {
		t.Errorf("sent = %d, want 3", sent)
	}
	if len(replayed) != 3 || replayed[0] != 0 || replayed[1] != 1 || replayed[2] != 2 {
		t.Errorf("replay order = %v, want [0 1 2]", replayed)
	}
	if n, err := q.Len(); err != nil || n != 0 {
		t.Errorf("queue length = (%d, %v) after flush, want 0", n, err)
	}
}

func TestClient_FlushQueueNilQueue(t *testing.T) {
	c := newTestClient(&mockTransport{}, nil)
	sent, err := c.FlushQueue(context.Background())
	if err != nil || sent != 0 {
		t.Errorf("FlushQueue = (%d, %v), want (0, nil)", sent, err)
	}
}

func TestClient_StreamUnsupported(t *testing.T) {
	c := newTestClient(&mockTransport{}, nil)
	_, err := c.Stream(context.Background(), "tools/watch", nil)
	if !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("err = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestClient_UploadUnsupported(t *testing.T) {
	c := newTestClient(&mockTransport{}, nil)
	_, err := c.Upload(context.Background(), Upload{Data: []byte("x")})
	if !errors.Is(err, ErrCapabilityUnsupported) {
		t.Errorf("err = %v, want ErrCapabilityUnsupported", err)
	}
}

func TestClient_ListToolsCached(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"tools":[{"name":"echo","description":"echoes"}]}`), nil
		},
	}
	c := newTestClient(tr, nil)

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}

	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("second ListTools: %v", err)
	}
	if got := tr.sendCount.Load(); got != 1 {
		t.Errorf("transport saw %d sends, want 1 (list is cached)", got)
	}
}

func TestClient_CallTool(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			p, ok := params.(map[string]any)
			if !ok || p["name"] != "echo" {
				return nil, fmt.Errorf("unexpected params %v", params)
			}
			return json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`), nil
		},
	}
	c := newTestClient(tr, nil)

	got, err := c.CallTool(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "hi" {
		t.Errorf("result = %q, want hi", got)
	}
}

func TestClient_CallToolIsError(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"content":[{"type":"text","text":"no such tool"}],"isError":true}`), nil
		},
	}
	c := newTestClient(tr, nil)

	_, err := c.CallTool(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("CallTool succeeded, want error for isError result")
	}
}

func TestClient_CallToolMixedContent(t *testing.T) {
	tr := &mockTransport{
		sendFunc: func(method string, params any) (json.RawMessage, error) {
			return json.RawMessage(`{"content":[{"type":"text","text":"caption"},{"type":"image"},{"type":"audio"}]}`), nil
		},
	}
	c := newTestClient(tr, nil)

	got, err := c.CallTool(context.Background(), "render", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	want := "caption\n[image]\n[audio]"
	if got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
}

func TestIsQueued(t *testing.T) {
	ack, _ := json.Marshal(QueuedAck{Queued: true, ID: "q-1"})

	tests := []struct {
		name   string
		result json.RawMessage
		want   bool
	}{
		{"queued ack", ack, true},
		{"server result", json.RawMessage(`{"tools":[]}`), false},
		{"empty", nil, false},
		{"non-object", json.RawMessage(`"ok"`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := IsQueued(tt.result)
			if ok != tt.want {
				t.Fatalf("ok = %v, want %v", ok, tt.want)
			}
			if ok && got.ID != "q-1" {
				t.Errorf("id = %q, want q-1", got.ID)
			}
		})
	}
}
