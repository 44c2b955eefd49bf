package broker

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

	"github.com/inferhub/inferhub/internal/correlator"
	"github.com/inferhub/inferhub/internal/dispatch"
	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/sessions"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/internal/ticket"
	"github.com/inferhub/inferhub/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// replyFunc returns the bodies a fake host answers cmd with.
type replyFunc func(cmd protocol.Command, body protocol.Body) []protocol.Body

// fakeHost answers commands pumped to it by feeding replies back through
// the dispatcher, the same way the websocket read loop would.
type fakeHost struct {
	id    string
	d     *dispatch.Dispatcher
	reply replyFunc
	out   *fleet.HostOnline

	mu   sync.Mutex
	seen []string
}

func (f *fakeHost) WriteCommand(cmd protocol.Command) error {
	f.mu.Lock()
	f.seen = append(f.seen, cmd.Name)
	f.mu.Unlock()
	body, err := protocol.Decode(cmd.Payload)
	if err != nil {
		return err
	}
	for _, b := range f.reply(cmd, body) {
		f.d.Dispatch(context.Background(), f.id, protocol.MustCommand(b, cmd.SessionID, cmd.RequestID), f.out.Control().Outgoing)
	}
	return nil
}

func (f *fakeHost) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

type testEnv struct {
	store    store.Store
	hosts    *fleet.Registry
	sessions *sessions.Registry
	tickets  *ticket.Issuer
	d        *dispatch.Dispatcher
	broker   *Broker
}

type envOpts struct {
	timeout      time.Duration
	maxPerClient int
}

func newTestEnv(t *testing.T, o envOpts) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	bus := events.New()
	t.Cleanup(bus.Close)

	e := &testEnv{store: s}
	e.hosts = fleet.NewRegistry(s, nil, bus, "orc-1", logger)
	e.sessions = sessions.NewRegistry(e.hosts, 0, bus, logger)
	e.hosts.SetSessionCloser(e.sessions)
	calls := correlator.New(e.hosts, logger, o.timeout, time.Second)
	e.tickets = ticket.NewIssuer("test-secret", time.Minute)
	e.d = dispatch.New(logger)
	e.d.SetFallback(dispatch.NewPassthrough(e.hosts, logger))
	e.broker = New(e.hosts, e.sessions, calls, e.tickets, o.maxPerClient, logger)
	return e
}

// connect registers h and starts pumping its queues into a fake host.
func (e *testEnv) connect(t *testing.T, h store.Host, reply replyFunc) *fakeHost {
	t.Helper()
	if h.AccountID == "" {
		h.AccountID = "acct-1"
	}
	if err := e.store.UpsertHost(context.Background(), &h); err != nil {
		t.Fatal(err)
	}
	online, err := e.hosts.RegisterHost(context.Background(), h.ID, "192.0.2.20", 7000)
	if err != nil || online == nil {
		t.Fatalf("RegisterHost: %v", err)
	}
	f := &fakeHost{id: h.ID, d: e.d, reply: reply, out: online}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = online.Pump(ctx, f)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.hosts.UnregisterInstance(context.Background(), online)
	})
	return f
}

// cooperative answers every session command successfully.
func cooperative(cmd protocol.Command, body protocol.Body) []protocol.Body {
	switch req := body.(type) {
	case *protocol.SessionCreate:
		return []protocol.Body{&protocol.SessionCreated{OK: true, Model: "llama-3-8b"}}
	case *protocol.SessionClaim:
		return []protocol.Body{&protocol.SessionClaimed{OK: true}}
	case *protocol.StatsRequest:
		return []protocol.Body{&protocol.SessionStats{TokensIn: 12, TokensOut: 34, Requests: 2}}
	case *protocol.SessionClose:
		return []protocol.Body{&protocol.SessionClosed{OK: true, TokensOut: 34}}
	case *protocol.InferenceRequest:
		var out []protocol.Body
		for i, w := range strings.Fields(req.Prompt) {
			out = append(out, &protocol.InferenceChunk{Index: i, Text: strings.ToUpper(w)})
		}
		return append(out, &protocol.StreamEnd{})
	}
	return nil
}

var (
	alice = Caller{ClientKey: "app-alice", AccountID: "acct-1"}
	bob   = Caller{ClientKey: "app-bob", AccountID: "acct-1"}
	eve   = Caller{ClientKey: "app-eve", AccountID: "acct-2"}
)

func TestCreateSession(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.connect(t, store.Host{ID: "h1", Name: "gpu-box"}, cooperative)
	ctx := context.Background()

	got, err := e.broker.CreateSession(ctx, alice, CreateRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if got.SessionID == "" || got.Host.HostID != "h1" || got.Model != "llama-3-8b" || got.Reused {
		t.Errorf("created: %+v", got)
	}
	if got.Ticket != "" {
		t.Error("ticket issued for a relayed host")
	}
	s, ok := e.sessions.Peek(got.SessionID)
	if !ok || s.CreateResult() == nil {
		t.Fatal("session not recorded")
	}
	if _, ok := e.hosts.Get("h1").Session(got.SessionID); !ok {
		t.Error("session queues not attached to host")
	}

	s.Touch(time.Now().Add(-time.Hour))
	again, err := e.broker.CreateSession(ctx, alice, CreateRequest{HostID: "h1"})
	if err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}
	if !again.Reused || again.SessionID != got.SessionID {
		t.Errorf("expected reuse of %s, got %+v", got.SessionID, again)
	}
	if idle := time.Since(s.LastInteraction()); idle > time.Minute {
		t.Errorf("reuse did not extend the session's life: idle for %v", idle)
	}
	if e.sessions.Count() != 1 {
		t.Errorf("sessions: got %d, want 1", e.sessions.Count())
	}
}

func TestCreateSessionNoHost(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.connect(t, store.Host{ID: "h1", AccountID: "acct-2"}, cooperative)

	_, err := e.broker.CreateSession(context.Background(), alice, CreateRequest{HostID: "h1"})
	if !errors.Is(err, fleet.ErrNoHostOnline) {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(err.Error(), "No host is online") {
		t.Errorf("error text: %q", err.Error())
	}
	if e.sessions.Count() != 0 {
		t.Error("session left behind")
	}
}

func TestCreateSessionFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply replyFunc
		want  error
	}{
		{
			name: "rejected",
			reply: func(protocol.Command, protocol.Body) []protocol.Body {
				return []protocol.Body{&protocol.SessionCreated{OK: false, Error: "model not loaded"}}
			},
			want: ErrHostRejected,
		},
		{
			name:  "silent host",
			reply: func(protocol.Command, protocol.Body) []protocol.Body { return nil },
			want:  ErrTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, envOpts{timeout: 50 * time.Millisecond})
			f := e.connect(t, store.Host{ID: "h1"}, tt.reply)

			_, err := e.broker.CreateSession(context.Background(), alice, CreateRequest{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err: %v, want %v", err, tt.want)
			}
			if e.sessions.Count() != 0 {
				t.Error("failed session still registered")
			}
			if n := e.hosts.Get("h1").SessionCount(); n != 0 {
				t.Errorf("host still holds %d session queues", n)
			}
			waitFor(t, func() bool {
				names := f.names()
				return len(names) > 0 && names[len(names)-1] == protocol.TypeSessionTeardown
			})
		})
	}
}

func TestCreateSessionLimit(t *testing.T) {
	e := newTestEnv(t, envOpts{maxPerClient: 1})
	e.connect(t, store.Host{ID: "h1"}, cooperative)
	e.connect(t, store.Host{ID: "h2"}, cooperative)
	ctx := context.Background()

	if _, err := e.broker.CreateSession(ctx, alice, CreateRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.broker.CreateSession(ctx, alice, CreateRequest{}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err: %v, want ErrTooManySessions", err)
	}
	if _, err := e.broker.CreateSession(ctx, bob, CreateRequest{}); err != nil {
		t.Errorf("other client blocked: %v", err)
	}
}

func TestDirectConnectTicket(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.connect(t, store.Host{ID: "h1", DirectConnect: true}, cooperative)

	got, err := e.broker.CreateSession(context.Background(), alice, CreateRequest{DirectConnectRequired: true})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Host.DirectConnect || got.Host.Address != "192.0.2.20" || got.Host.Port != 7000 {
		t.Errorf("route: %+v", got.Host)
	}
	claims, err := e.tickets.Verify(got.Ticket)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SessionID != got.SessionID || claims.HostID != "h1" || claims.ClientKey != alice.ClientKey {
		t.Errorf("claims: %+v", claims)
	}
}

func TestInferStreamsChunks(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.connect(t, store.Host{ID: "h1"}, cooperative)
	ctx := context.Background()
	created, err := e.broker.CreateSession(ctx, alice, CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	err = e.broker.Infer(ctx, alice, created.SessionID, &protocol.InferenceRequest{Prompt: "hello there world"},
		func(c *protocol.InferenceChunk) error {
			got = append(got, c.Text)
			return nil
		})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if strings.Join(got, " ") != "HELLO THERE WORLD" {
		t.Errorf("chunks: %q", got)
	}
}

func TestClaimTransfersOwnership(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.connect(t, store.Host{ID: "h1"}, cooperative)
	ctx := context.Background()
	created, err := e.broker.CreateSession(ctx, alice, CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	noop := func(*protocol.InferenceChunk) error { return nil }

	if err := e.broker.Infer(ctx, bob, created.SessionID, &protocol.InferenceRequest{Prompt: "x"}, noop); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Infer before claim: %v", err)
	}
	if _, err := e.broker.ClaimSession(ctx, eve, created.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("claim from another account: %v", err)
	}
	if _, err := e.broker.ClaimSession(ctx, bob, created.SessionID); err != nil {
		t.Fatalf("ClaimSession: %v", err)
	}
	if err := e.broker.Infer(ctx, bob, created.SessionID, &protocol.InferenceRequest{Prompt: "x"}, noop); err != nil {
		t.Errorf("Infer after claim: %v", err)
	}
}

func TestStatsAndClose(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	f := e.connect(t, store.Host{ID: "h1"}, cooperative)
	ctx := context.Background()
	created, err := e.broker.CreateSession(ctx, alice, CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := e.broker.Stats(ctx, alice, created.SessionID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TokensIn != 12 || stats.TokensOut != 34 || stats.Requests != 2 {
		t.Errorf("stats: %+v", stats)
	}

	closed, err := e.broker.CloseSession(ctx, alice, created.SessionID)
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed == nil || !closed.OK {
		t.Errorf("closed: %+v", closed)
	}
	if _, ok := e.sessions.Peek(created.SessionID); ok {
		t.Error("session still registered")
	}
	if _, err := e.broker.Stats(ctx, alice, created.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Stats after close: %v", err)
	}
	waitFor(t, func() bool {
		for _, n := range f.names() {
			if n == protocol.TypeSessionTeardown {
				return true
			}
		}
		return false
	})
}

func TestCloseSessionWithoutAnswer(t *testing.T) {
	e := newTestEnv(t, envOpts{timeout: 50 * time.Millisecond})
	e.connect(t, store.Host{ID: "h1"}, func(cmd protocol.Command, body protocol.Body) []protocol.Body {
		if _, ok := body.(*protocol.SessionClose); ok {
			return nil
		}
		return cooperative(cmd, body)
	})
	ctx := context.Background()
	created, err := e.broker.CreateSession(ctx, alice, CreateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := e.broker.CloseSession(ctx, alice, created.SessionID)
	if err != nil || closed != nil {
		t.Fatalf("CloseSession: %+v, %v", closed, err)
	}
	if e.sessions.Count() != 0 {
		t.Error("session not removed after unanswered close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
