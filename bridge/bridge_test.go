package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-http-bridge/enrich"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/peer/peertest"
	"github.com/ggoodman/mcp-http-bridge/sessions"
)

type fixture struct {
	spawner  *peertest.Spawner
	registry *sessions.Registry
	endpoint *Endpoint
}

func newFixture(t *testing.T, h peertest.Handler, regOpts []sessions.Option, opts ...Option) *fixture {
	t.Helper()
	sp := &peertest.Spawner{Handler: h}
	regOpts = append([]sessions.Option{sessions.WithReplyEnricher(enrich.New(enrich.WithTimeout(200 * time.Millisecond)))}, regOpts...)
	reg := sessions.NewRegistry(sp, regOpts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &fixture{spawner: sp, registry: reg, endpoint: New(reg, opts...)}
}

func encode(t *testing.T, r *Response) map[string]any {
	t.Helper()
	b, err := json.Marshal(r.Body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal body %s: %v", b, err)
	}
	return out
}

func errorCode(t *testing.T, body map[string]any) jsonrpc.ErrorCode {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error object in %v", body)
	}
	return jsonrpc.ErrorCode(e["code"].(float64))
}

func TestInitializeCreatesSessionAndEnriches(t *testing.T) {
	f := newFixture(t, peertest.MCP(peertest.ReadFileTool()), nil)

	resp := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`), "")
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.Status, encode(t, resp))
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if _, ok := f.registry.Lookup(resp.SessionID); !ok {
		t.Fatal("session not registered")
	}

	body := encode(t, resp)
	if body["id"] != float64(1) {
		t.Fatalf("id = %v", body["id"])
	}
	caps := body["result"].(map[string]any)["capabilities"].(map[string]any)
	tools, ok := caps["tools"].(map[string]any)
	if !ok {
		t.Fatalf("tools missing from capabilities: %v", caps)
	}
	if _, ok := tools["read_file"]; !ok {
		t.Fatalf("read_file missing from %v", tools)
	}
}

func TestInitializeAlwaysSpawnsUnderInitializePolicy(t *testing.T) {
	f := newFixture(t, peertest.MCP(), nil)
	first := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`), "")
	second := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`), first.SessionID)
	if first.SessionID == second.SessionID {
		t.Fatal("expected distinct sessions")
	}
	if got := len(f.spawner.Spawned()); got != 2 {
		t.Fatalf("spawned %d peers, want 2", got)
	}
}

func TestNotificationAcksImmediately(t *testing.T) {
	f := newFixture(t, nil, nil)
	s, err := f.registry.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), s.ID())
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if ack, ok := resp.Body.(Ack); !ok || ack.JSONRPCVersion != "2.0" {
		t.Fatalf("body = %#v", resp.Body)
	}
	if s.Pending() != 0 {
		t.Fatalf("notification registered %d pending calls", s.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := f.spawner.Last().Next(ctx)
	if err != nil {
		t.Fatalf("peer did not receive notification: %v", err)
	}
	if got.Method != "notifications/initialized" {
		t.Fatalf("peer received %q", got.Method)
	}
}

func TestNotificationClassification(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`{"method":"notifications/cancelled","params":{}}`, true},
		{`{"method":"notifications/progress","id":3}`, true},
		{`{"method":"tools/call"}`, true},
		{`{"method":"tools/call","id":null}`, true},
		{`{"method":"tools/call","id":0}`, false},
		{`{"method":"tools/call","id":""}`, false},
	}
	for _, tc := range cases {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal([]byte(tc.in), &msg); err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got := IsNotification(&msg); got != tc.want {
			t.Errorf("IsNotification(%s) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNoSessionIsNotFound(t *testing.T) {
	f := newFixture(t, peertest.MCP(), nil)

	for _, body := range []string{
		`{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	} {
		resp := f.endpoint.Handle(context.Background(), []byte(body), "")
		if resp.Status != http.StatusNotFound {
			t.Fatalf("%s: status = %d", body, resp.Status)
		}
		got := encode(t, resp)
		if code := errorCode(t, got); code != jsonrpc.ErrorCodeSessionNotFound {
			t.Fatalf("%s: code = %d", body, code)
		}
		if strings.Contains(body, `"abc"`) && got["id"] != "abc" {
			t.Fatalf("id not echoed: %v", got["id"])
		}
	}
	if len(f.spawner.Spawned()) != 0 {
		t.Fatal("no peer should be spawned")
	}
}

func TestLazyPolicyCreatesOnFirstCall(t *testing.T) {
	f := newFixture(t, peertest.MCP(), []sessions.Option{sessions.WithPolicy(sessions.PolicyLazy)})

	resp := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call"}`), "")
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.Status, encode(t, resp))
	}
	if f.registry.Len() != 1 {
		t.Fatalf("registry has %d sessions", f.registry.Len())
	}
}

func TestMalformedBodies(t *testing.T) {
	f := newFixture(t, peertest.MCP(), nil)
	cases := []struct {
		body string
		code jsonrpc.ErrorCode
	}{
		{`{"jsonrpc":`, jsonrpc.ErrorCodeParseError},
		{`[1,2]`, jsonrpc.ErrorCodeInvalidRequest},
		{`{"jsonrpc":"2.0","id":4}`, jsonrpc.ErrorCodeInvalidRequest},
		{`{"jsonrpc":"2.0","id":{"x":1},"method":"a"}`, jsonrpc.ErrorCodeParseError},
	}
	for _, tc := range cases {
		resp := f.endpoint.Handle(context.Background(), []byte(tc.body), "")
		if resp.Status != http.StatusBadRequest {
			t.Errorf("%s: status = %d", tc.body, resp.Status)
			continue
		}
		if code := errorCode(t, encode(t, resp)); code != tc.code {
			t.Errorf("%s: code = %d, want %d", tc.body, code, tc.code)
		}
	}
}

func TestTimeoutIsDistinctFromPeerError(t *testing.T) {
	h := func(f *peertest.Fake, msg *jsonrpc.AnyMessage) []any {
		switch msg.Method {
		case "fail":
			return []any{jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "bad path", nil)}
		case "slow":
			return nil
		}
		return []any{peertest.Result(msg.ID, map[string]any{})}
	}
	f := newFixture(t, h, nil, WithCallTimeout(30*time.Millisecond))
	s, err := f.registry.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":9,"method":"slow"}`), s.ID())
	if resp.Status != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", resp.Status)
	}
	body := encode(t, resp)
	if code := errorCode(t, body); code != jsonrpc.ErrorCodeRequestTimeout {
		t.Fatalf("code = %d", code)
	}
	if body["id"] != float64(9) {
		t.Fatalf("id = %v", body["id"])
	}

	resp = f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":10,"method":"fail"}`), s.ID())
	if resp.Status != http.StatusOK {
		t.Fatalf("peer error status = %d", resp.Status)
	}
	if code := errorCode(t, encode(t, resp)); code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("peer error code = %d", code)
	}
}

func TestPeerExitFailsCall(t *testing.T) {
	h := func(f *peertest.Fake, msg *jsonrpc.AnyMessage) []any {
		if msg.Method == "crash" {
			go f.Exit(errors.New("exit status 2"))
		}
		return nil
	}
	f := newFixture(t, h, nil)
	s, err := f.registry.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":5,"method":"crash"}`), s.ID())
	if resp.Status != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.Status)
	}
	if code := errorCode(t, encode(t, resp)); code != jsonrpc.ErrorCodeSessionClosed {
		t.Fatalf("code = %d", code)
	}
}

func TestSpawnFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.spawner.Err = peertest.ErrSpawnRefused

	resp := f.endpoint.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`), "")
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.Status)
	}
	if code := errorCode(t, encode(t, resp)); code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("code = %d", code)
	}
	if f.registry.Len() != 0 {
		t.Fatal("failed spawn registered a session")
	}
}

func TestHealth(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, peertest.MCP(), nil, WithClock(func() time.Time { return fixed }))

	for range 2 {
		if _, err := f.registry.Create(context.Background()); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	h := f.endpoint.Health(context.Background())
	if h.Status != "ok" || h.ActiveSessions != 2 || !h.Timestamp.Equal(fixed) {
		t.Fatalf("health = %+v", h)
	}
	if h.ClusterSessions == nil || *h.ClusterSessions != 2 {
		t.Fatalf("cluster sessions = %v", h.ClusterSessions)
	}

	b, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"timestamp":"2024-05-01T12:00:00Z"`) {
		t.Fatalf("unexpected encoding %s", b)
	}
}
