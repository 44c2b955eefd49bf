package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/sessions"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type settlerFunc func(ctx context.Context, hostID, accountID string) error

func (f settlerFunc) AwardPartialUptimeCredits(ctx context.Context, hostID, accountID string) error {
	return f(ctx, hostID, accountID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testFleet struct {
	reg      *Registry
	sessions *sessions.Registry
	store    store.Store
}

func newTestFleet(t *testing.T, settler settlerFunc) *testFleet {
	t.Helper()
	s := newTestStore(t)
	bus := events.New()
	t.Cleanup(bus.Close)
	reg := NewRegistry(s, nil, bus, "orc-1", testLogger())
	if settler != nil {
		reg.settler = settler
	}
	sess := sessions.NewRegistry(reg, 0, bus, testLogger())
	reg.SetSessionCloser(sess)
	return &testFleet{reg: reg, sessions: sess, store: s}
}

func (f *testFleet) addHost(t *testing.T, h store.Host) *HostOnline {
	t.Helper()
	if h.AccountID == "" {
		h.AccountID = "acct-1"
	}
	if h.Name == "" {
		h.Name = h.ID
	}
	if err := f.store.UpsertHost(context.Background(), &h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	online, err := f.reg.RegisterHost(context.Background(), h.ID, "10.0.0.1", 7000)
	if err != nil || online == nil {
		t.Fatalf("RegisterHost(%s): %v", h.ID, err)
	}
	return online
}

func (f *testFleet) openSession(t *testing.T, hostID string) *sessions.Session {
	t.Helper()
	s := f.sessions.Create(&sessions.Session{HostID: hostID, CreatorClientKey: "app-1"})
	if _, err := f.reg.AddSession(hostID, s.ID); err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	return s
}

func TestRegisterUnknownHost(t *testing.T) {
	f := newTestFleet(t, nil)
	h, err := f.reg.RegisterHost(context.Background(), "ghost", "10.0.0.9", 0)
	if err != nil || h != nil {
		t.Fatalf("RegisterHost(unknown): got %v err=%v", h, err)
	}
	if f.reg.Count() != 0 {
		t.Errorf("Count: got %d, want 0", f.reg.Count())
	}
}

func TestRegisterHostMarksOnline(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.reg.now = func() time.Time { return now }

	f.addHost(t, store.Host{ID: "h1"})

	got, err := f.store.GetHost(ctx, "h1")
	if err != nil || got == nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Status != store.HostOnline || got.Address != "10.0.0.1" || got.Port != 7000 {
		t.Errorf("profile after register: %+v", got)
	}
	if !got.DateStarted.Equal(now) || !got.DateStopped.IsZero() {
		t.Errorf("dates: started=%v stopped=%v", got.DateStarted, got.DateStopped)
	}
	if got.ConnectedOrchestrator != "orc-1" {
		t.Errorf("ConnectedOrchestrator: got %q", got.ConnectedOrchestrator)
	}
	if n, _ := f.store.GetConnectionCount(ctx, "orc-1", "acct-1"); n != 1 {
		t.Errorf("connection count: got %d, want 1", n)
	}
}

func TestHostName(t *testing.T) {
	f := newTestFleet(t, nil)
	f.addHost(t, store.Host{ID: "h1", Name: "gpu-box-1"})
	if got := f.reg.HostName("h1"); got != "gpu-box-1" {
		t.Errorf("HostName(h1): got %q", got)
	}
	if got := f.reg.HostName("ghost"); got != "" {
		t.Errorf("HostName(ghost): got %q, want empty", got)
	}
}

func TestReregisterReplacesStaleInstance(t *testing.T) {
	f := newTestFleet(t, nil)
	first := f.addHost(t, store.Host{ID: "h1"})
	s := f.openSession(t, "h1")

	second, err := f.reg.RegisterHost(context.Background(), "h1", "10.0.0.2", 0)
	if err != nil || second == nil {
		t.Fatalf("RegisterHost: %v", err)
	}
	if second == first {
		t.Fatal("re-registration returned the stale instance")
	}
	select {
	case <-first.Done():
	default:
		t.Error("stale instance was not closed")
	}
	if f.reg.Get("h1") != second || f.reg.Count() != 1 {
		t.Error("registry does not hold exactly the new instance")
	}
	if _, ok := f.sessions.Peek(s.ID); ok {
		t.Error("session on the stale instance survived re-registration")
	}
	if f.reg.UnregisterInstance(context.Background(), first) {
		t.Error("UnregisterInstance(stale): want false")
	}
	if f.reg.Get("h1") != second {
		t.Error("stale unregister removed the new instance")
	}
}

func TestUnregisterClosesSessionsWhenSettlementFails(t *testing.T) {
	tests := []struct {
		name    string
		settler settlerFunc
	}{
		{"error", func(context.Context, string, string) error { return errors.New("ledger unavailable") }},
		{"panic", func(context.Context, string, string) error { panic("ledger exploded") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFleet(t, tt.settler)
			ctx := context.Background()
			h := f.addHost(t, store.Host{ID: "h1"})
			s1 := f.openSession(t, "h1")
			s2 := f.openSession(t, "h1")
			pair, _ := h.Session(s1.ID)

			if err := f.reg.UnregisterHost(ctx, "h1"); err != nil {
				t.Fatalf("UnregisterHost: %v", err)
			}

			for _, s := range []*sessions.Session{s1, s2} {
				if _, ok := f.sessions.TryGet(s.ID); ok {
					t.Errorf("session %s still registered", s.ID)
				}
			}
			select {
			case <-pair.Done():
			default:
				t.Error("session pair not closed")
			}
			if _, err := f.reg.Pair("h1", s1.ID); !IsRoutingError(err) {
				t.Errorf("Pair after unregister: want routing error, got %v", err)
			}

			got, _ := f.store.GetHost(ctx, "h1")
			if got.Status != store.HostOffline || got.Address != "" || got.DateStopped.IsZero() {
				t.Errorf("profile after unregister: %+v", got)
			}
			if n, _ := f.store.GetConnectionCount(ctx, "orc-1", "acct-1"); n != 0 {
				t.Errorf("connection count: got %d, want 0", n)
			}
		})
	}
}

func TestUnregisterProfileOfflineHost(t *testing.T) {
	f := newTestFleet(t, nil)
	ctx := context.Background()
	stale := &store.Host{ID: "h9", AccountID: "acct-1", Name: "h9"}
	if err := f.store.UpsertHost(ctx, stale); err != nil {
		t.Fatal(err)
	}
	stale.Status = store.HostOnline
	stale.ConnectedOrchestrator = "orc-1"
	stale.Address = "10.9.9.9"
	if err := f.store.PatchHostForConnection(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := f.reg.UnregisterHost(ctx, "h9"); err != nil {
		t.Fatalf("UnregisterHost: %v", err)
	}
	got, _ := f.store.GetHost(ctx, "h9")
	if got.Status != store.HostOffline || got.Address != "" {
		t.Errorf("stale profile not marked offline: %+v", got)
	}
	if err := f.reg.UnregisterHost(ctx, "missing"); err != nil {
		t.Errorf("UnregisterHost(missing): %v", err)
	}
}

func TestSelectHostLeastRecentlyUsed(t *testing.T) {
	f := newTestFleet(t, nil)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"h1", "h2", "h3"} {
		h := f.addHost(t, store.Host{ID: id})
		h.Update(func(p *store.Host) { p.DateLastSession = base.Add(time.Duration(3-i) * time.Hour) })
	}
	now := base.Add(24 * time.Hour)
	f.reg.now = func() time.Time { return now }

	var order []string
	for range 3 {
		route, err := f.reg.SelectHost(Criteria{})
		if err != nil {
			t.Fatalf("SelectHost: %v", err)
		}
		order = append(order, route.HostID)
		now = now.Add(time.Minute)
	}
	if strings.Join(order, ",") != "h3,h2,h1" {
		t.Errorf("selection order: got %v, want [h3 h2 h1]", order)
	}
	if p := f.reg.Get("h3").Profile(); !p.DateLastSession.Equal(base.Add(24 * time.Hour)) {
		t.Errorf("DateLastSession not stamped: %v", p.DateLastSession)
	}
}

func TestSelectHostFilters(t *testing.T) {
	f := newTestFleet(t, nil)
	f.addHost(t, store.Host{ID: "gpu-a", Name: "alpha", Region: "eu", DirectConnect: true})
	f.addHost(t, store.Host{ID: "gpu-b", Name: "beta", Region: "us", AccountID: "acct-2"})
	f.addHost(t, store.Host{ID: "tools", Name: "tools", Region: "eu", DirectConnect: true, ToolsOnly: true})

	tests := []struct {
		name string
		c    Criteria
		want string
	}{
		{"exact id in account", Criteria{HostID: "gpu-a", AccountID: "acct-1"}, "gpu-a"},
		{"exact id wrong account", Criteria{HostID: "gpu-a", AccountID: "acct-2"}, ""},
		{"preferred name", Criteria{PreferredHostNames: []string{"beta", "nope"}}, "gpu-b"},
		{"direct connect", Criteria{DirectConnectRequired: true}, "gpu-a"},
		{"region", Criteria{PreferredRegion: "us"}, "gpu-b"},
		{"region and direct", Criteria{PreferredRegion: "us", DirectConnectRequired: true}, ""},
		{"tools-only by id", Criteria{HostID: "tools"}, ""},
		{"tools-only by name", Criteria{PreferredHostNames: []string{"tools"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := f.reg.SelectHost(tt.c)
			if tt.want == "" {
				if err == nil {
					t.Fatalf("SelectHost: got %+v, want error", route)
				}
				if !strings.Contains(err.Error(), "No host is online") {
					t.Errorf("error text %q lacks the no-host phrase", err)
				}
				if !errors.Is(err, ErrNoHostOnline) || !IsRoutingError(err) {
					t.Errorf("error kind: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectHost: %v", err)
			}
			if route.HostID != tt.want {
				t.Errorf("SelectHost: got %s, want %s", route.HostID, tt.want)
			}
		})
	}
}

func TestSelectToolsOnlyHost(t *testing.T) {
	f := newTestFleet(t, nil)
	f.addHost(t, store.Host{ID: "gpu"})
	f.addHost(t, store.Host{ID: "tools-2", AccountID: "acct-2", ToolsOnly: true})

	if h := f.reg.SelectToolsOnlyHost("acct-1"); h != nil {
		t.Fatalf("SelectToolsOnlyHost(acct-1): got %s, want none", h.ID)
	}
	f.addHost(t, store.Host{ID: "tools-1", ToolsOnly: true})
	if h := f.reg.SelectToolsOnlyHost("acct-1"); h == nil || h.ID != "tools-1" {
		t.Fatalf("SelectToolsOnlyHost(acct-1): got %v", h)
	}
	if h := f.reg.SelectToolsOnlyHost("acct-2"); h == nil || h.ID != "tools-2" {
		t.Fatalf("SelectToolsOnlyHost(acct-2): got %v", h)
	}
}

func TestCloseSessionSendsTeardownOnce(t *testing.T) {
	f := newTestFleet(t, nil)
	h := f.addHost(t, store.Host{ID: "h1"})
	s := f.openSession(t, "h1")

	if _, err := f.reg.AddSession("h1", s.ID); !errors.Is(err, ErrSessionExists) {
		t.Errorf("AddSession twice: got %v", err)
	}
	f.sessions.Close(s.ID)
	f.sessions.Close(s.ID)

	if _, ok := h.Session(s.ID); ok {
		t.Error("pair survived session close")
	}
	if n := h.Control().Outgoing.Len(); n != 1 {
		t.Fatalf("control queue: got %d commands, want 1", n)
	}
	cmd, _ := h.Control().Outgoing.TryPop()
	body, err := protocol.Decode(cmd.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	td, ok := body.(*protocol.SessionTeardown)
	if !ok || td.SessionID != s.ID || td.Reason != sessions.ReasonClosed {
		t.Errorf("teardown: %#v", body)
	}
}

func TestAddSessionToOfflineHost(t *testing.T) {
	f := newTestFleet(t, nil)
	_, err := f.reg.AddSession("nowhere", "s1")
	if !errors.Is(err, ErrHostOffline) || !IsRoutingError(err) {
		t.Errorf("AddSession(offline): got %v", err)
	}
}

type recordingWriter struct {
	mu   sync.Mutex
	cmds []protocol.Command
	fail error
	sent chan struct{}
}

func (w *recordingWriter) WriteCommand(cmd protocol.Command) error {
	if w.fail != nil {
		return w.fail
	}
	w.mu.Lock()
	w.cmds = append(w.cmds, cmd)
	w.mu.Unlock()
	if w.sent != nil {
		w.sent <- struct{}{}
	}
	return nil
}

func (w *recordingWriter) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, c := range w.cmds {
		out = append(out, c.SessionID+"/"+c.RequestID)
	}
	return out
}

func TestPumpCycleRoundRobin(t *testing.T) {
	f := newTestFleet(t, nil)
	h := f.addHost(t, store.Host{ID: "h1"})
	var ids []string
	for range 3 {
		s := f.openSession(t, "h1")
		ids = append(ids, s.ID)
	}
	push := func(sessionID, requestID string) {
		p, err := f.reg.Pair("h1", sessionID)
		if err != nil {
			t.Fatal(err)
		}
		p.Send(protocol.MustCommand(&protocol.InferenceRequest{Prompt: "x"}, sessionID, requestID))
	}
	for _, id := range ids {
		push(id, "r1")
		push(id, "r2")
	}
	push("", "c1")
	push("", "c2")

	w := &recordingWriter{}
	n, err := h.pumpCycle(w)
	if err != nil || n != 4 {
		t.Fatalf("first cycle: n=%d err=%v, want 4", n, err)
	}
	want := []string{"/c1", ids[0] + "/r1", ids[1] + "/r1", ids[2] + "/r1"}
	if got := w.names(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("first cycle order:\n got %v\nwant %v", got, want)
	}
	if n, _ := h.pumpCycle(w); n != 4 {
		t.Errorf("second cycle: n=%d, want 4", n)
	}
	if n, _ := h.pumpCycle(w); n != 0 {
		t.Errorf("third cycle: n=%d, want 0", n)
	}
}

func TestPumpDeliversAndStopsOnClose(t *testing.T) {
	f := newTestFleet(t, nil)
	h := f.addHost(t, store.Host{ID: "h1"})
	s := f.openSession(t, "h1")

	w := &recordingWriter{sent: make(chan struct{}, 8)}
	errc := make(chan error, 1)
	go func() { errc <- h.Pump(context.Background(), w) }()

	p, _ := h.Session(s.ID)
	p.Send(protocol.MustCommand(&protocol.InferenceRequest{Prompt: "hi"}, s.ID, "r1"))
	select {
	case <-w.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not write the queued command")
	}

	if err := f.reg.UnregisterHost(context.Background(), "h1"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Pump: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after unregister")
	}
}

func TestPumpStopsOnWriteError(t *testing.T) {
	f := newTestFleet(t, nil)
	h := f.addHost(t, store.Host{ID: "h1"})
	h.Control().Send(protocol.MustCommand(&protocol.HeartbeatAck{}, "", ""))

	w := &recordingWriter{fail: errors.New("broken pipe")}
	err := h.Pump(context.Background(), w)
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("Pump: got %v", err)
	}
}

func TestPumpStopsOnContextCancel(t *testing.T) {
	f := newTestFleet(t, nil)
	h := f.addHost(t, store.Host{ID: "h1"})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Pump(ctx, &recordingWriter{}) }()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Pump: got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump ignored cancellation")
	}
}
