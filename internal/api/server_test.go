package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inferhub/inferhub/internal/broker"
	"github.com/inferhub/inferhub/internal/config"
	"github.com/inferhub/inferhub/internal/correlator"
	"github.com/inferhub/inferhub/internal/dispatch"
	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/sessions"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

type testAPI struct {
	store store.Store
	hosts *fleet.Registry
	bus   *events.Bus
	d     *dispatch.Dispatcher
	srv   *Server
	ts    *httptest.Server
}

func newTestAPI(t *testing.T, rl config.RateLimitConfig) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	bus := events.New()
	t.Cleanup(bus.Close)

	hosts := fleet.NewRegistry(s, nil, bus, "orc-1", logger)
	sess := sessions.NewRegistry(hosts, 0, bus, logger)
	hosts.SetSessionCloser(sess)
	calls := correlator.New(hosts, logger, 200*time.Millisecond, time.Second)
	d := dispatch.New(logger)
	d.SetFallback(dispatch.NewPassthrough(hosts, logger))
	b := broker.New(hosts, sess, calls, nil, 0, logger)

	cfg := &config.Config{RateLimit: rl}
	srv := NewServer(s, b, hosts, sess, bus, nil, cfg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	a := &testAPI{store: s, hosts: hosts, bus: bus, d: d, srv: srv, ts: ts}
	a.addKey(t, "app-key-1", store.KeyKindApp, "acct-1", time.Time{})
	return a
}

func (a *testAPI) addKey(t *testing.T, raw, kind, account string, expires time.Time) {
	t.Helper()
	err := a.store.CreateAccessKey(context.Background(), &store.AccessKey{
		ID: "id-" + raw, KeyHash: store.HashKey(raw), Kind: kind, AccountID: account,
		ExpiresAt: expires, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// echoHost answers session commands and streams the prompt back word by word.
type echoHost struct {
	id  string
	d   *dispatch.Dispatcher
	out *fleet.HostOnline
}

func (h *echoHost) WriteCommand(cmd protocol.Command) error {
	body, err := protocol.Decode(cmd.Payload)
	if err != nil {
		return err
	}
	var replies []protocol.Body
	switch req := body.(type) {
	case *protocol.SessionCreate:
		replies = append(replies, &protocol.SessionCreated{OK: true, Model: "echo"})
	case *protocol.StatsRequest:
		replies = append(replies, &protocol.SessionStats{TokensIn: 3, TokensOut: 3, Requests: 1})
	case *protocol.SessionClose:
		replies = append(replies, &protocol.SessionClosed{OK: true, TokensIn: 3, TokensOut: 3})
	case *protocol.InferenceRequest:
		if req.Prompt == "stall" {
			return nil
		}
		for i, w := range strings.Fields(req.Prompt) {
			replies = append(replies, &protocol.InferenceChunk{Index: i, Text: w})
		}
		replies = append(replies, &protocol.StreamEnd{})
	}
	for _, r := range replies {
		h.d.Dispatch(context.Background(), h.id, protocol.MustCommand(r, cmd.SessionID, cmd.RequestID), h.out.Control().Outgoing)
	}
	return nil
}

func (a *testAPI) connectHost(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if err := a.store.UpsertHost(ctx, &store.Host{ID: id, AccountID: "acct-1", Name: id}); err != nil {
		t.Fatal(err)
	}
	online, err := a.hosts.RegisterHost(ctx, id, "192.0.2.30", 0)
	if err != nil || online == nil {
		t.Fatalf("RegisterHost: %v", err)
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = online.Pump(pumpCtx, &echoHost{id: id, d: a.d, out: online})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		a.hosts.UnregisterInstance(context.Background(), online)
	})
}

func (a *testAPI) do(t *testing.T, method, path, key, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := a.do(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("%s: missing security headers", path)
		}
	}
}

func TestAuth(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	a.addKey(t, "expired-key", store.KeyKindApp, "acct-1", time.Now().Add(-time.Minute))
	a.addKey(t, "host-key", store.KeyKindHost, "acct-1", time.Time{})

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "nope", http.StatusUnauthorized},
		{"expired", "expired-key", http.StatusUnauthorized},
		{"host key", "host-key", http.StatusUnauthorized},
		{"valid", "app-key-1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, http.MethodGet, "/api/hosts", tt.key, "")
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCreateSessionWithoutHosts(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	resp := a.do(t, http.MethodPost, "/api/sessions", "app-key-1", `{}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if !strings.Contains(body["error"], "No host is online") {
		t.Errorf("error: %q", body["error"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	a.connectHost(t, "h1")

	resp := a.do(t, http.MethodPost, "/api/sessions", "app-key-1", `{"preferred_host_names":["h1"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	var created broker.Created
	decodeJSON(t, resp, &created)
	if created.Host.HostID != "h1" || created.Model != "echo" {
		t.Fatalf("created: %+v", created)
	}
	base := "/api/sessions/" + created.SessionID

	resp = a.do(t, http.MethodPost, base+"/infer", "app-key-1", `{"prompt":"one two three"}`)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("infer: status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	var words []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var c inferChunk
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		words = append(words, c.Text)
	}
	if strings.Join(words, ",") != "one,two,three" {
		t.Errorf("chunks: %v", words)
	}

	resp = a.do(t, http.MethodGet, base+"/stats", "app-key-1", "")
	var stats map[string]int64
	decodeJSON(t, resp, &stats)
	if stats["tokens_in"] != 3 || stats["requests"] != 1 {
		t.Errorf("stats: %v", stats)
	}

	resp = a.do(t, http.MethodGet, "/api/sessions", "app-key-1", "")
	var list []sessions.Info
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].ID != created.SessionID {
		t.Errorf("list: %+v", list)
	}

	resp = a.do(t, http.MethodPost, base+"/close", "app-key-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close: status %d", resp.StatusCode)
	}
	resp = a.do(t, http.MethodGet, base+"/stats", "app-key-1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stats after close: status %d", resp.StatusCode)
	}
}

func TestInferStalledHostIsGatewayTimeout(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	a.connectHost(t, "h1")

	resp := a.do(t, http.MethodPost, "/api/sessions", "app-key-1", `{}`)
	var created broker.Created
	decodeJSON(t, resp, &created)

	resp = a.do(t, http.MethodPost, "/api/sessions/"+created.SessionID+"/infer", "app-key-1", `{"prompt":"stall"}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("stalled infer: status %d, want %d", resp.StatusCode, http.StatusGatewayTimeout)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != correlator.ErrStreamTimeout.Error() {
		t.Errorf("error body: %v", body)
	}
}

func TestSessionOfAnotherAccount(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	a.addKey(t, "app-key-2", store.KeyKindApp, "acct-2", time.Time{})
	a.connectHost(t, "h1")

	resp := a.do(t, http.MethodPost, "/api/sessions", "app-key-1", `{}`)
	var created broker.Created
	decodeJSON(t, resp, &created)

	resp = a.do(t, http.MethodPost, "/api/sessions/"+created.SessionID+"/infer", "app-key-2", `{"prompt":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign infer: status %d", resp.StatusCode)
	}
	resp = a.do(t, http.MethodGet, "/api/hosts", "app-key-2", "")
	var hosts []store.Host
	decodeJSON(t, resp, &hosts)
	if len(hosts) != 0 {
		t.Errorf("foreign account sees hosts: %+v", hosts)
	}
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 2})
	for i := 0; i < 2; i++ {
		if resp := a.do(t, http.MethodGet, "/api/hosts", "app-key-1", ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
	}
	resp := a.do(t, http.MethodGet, "/api/hosts", "app-key-1", "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Errorf("third request: status %d", resp.StatusCode)
	}
	if resp := a.do(t, http.MethodGet, "/healthz", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz limited: %d", resp.StatusCode)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.allow("a")
	now = now.Add(time.Minute)
	rl.allow("b")
	rl.cleanup(30 * time.Second)
	if rl.size() != 1 {
		t.Fatalf("buckets after cleanup: %d", rl.size())
	}
	if rl.allow("b") {
		t.Error("kept bucket b lost its state")
	}
	if !rl.allow("a") {
		t.Error("removed bucket a should start full")
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	req, _ := http.NewRequest(http.MethodOptions, a.ts.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, config.RateLimitConfig{})
	url := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/api/events?token=app-key-1&type=" + events.HostConnected
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for a.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.bus.Publish(events.Event{Type: events.HostConnected, AccountID: "acct-2", HostID: "other"})
	a.bus.Publish(events.Event{Type: events.SessionCreated, AccountID: "acct-1", SessionID: "s1"})
	a.bus.Publish(events.Event{Type: events.HostConnected, AccountID: "acct-1", HostID: "mine"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.HostID != "mine" || e.Type != events.HostConnected {
		t.Errorf("event: %+v", e)
	}
}
