// Package transport terminates host websocket connections. Each connection
// carries CBOR command frames in both directions: the fleet's pump writes
// outbound traffic and a read loop hands inbound commands to the
// dispatcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/inferhub/inferhub/internal/dispatch"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

var (
	errBadCredentials = errors.New("invalid host credentials")
	errUnknownHost    = errors.New("unknown host")
)

// Options configures the Server.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // default 4MB
	OrchestratorID  string
}

// Server accepts host connections.
type Server struct {
	hosts          *fleet.Registry
	dispatcher     *dispatch.Dispatcher
	store          store.Store
	upgrader       websocket.Upgrader
	maxMessage     int64
	orchestratorID string
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a host transport server.
func New(hosts *fleet.Registry, d *dispatch.Dispatcher, s store.Store, logger *slog.Logger, opts Options) *Server {
	maxMessage := opts.MaxMessageBytes
	if maxMessage <= 0 {
		maxMessage = 4 << 20
	}
	return &Server{
		hosts:          hosts,
		dispatcher:     d,
		store:          s,
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		maxMessage:     maxMessage,
		orchestratorID: opts.OrchestratorID,
		logger:         logger.With("component", "transport"),
		now:            time.Now,
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || originSet[origin]
		},
	}
}

// Mount registers the host endpoint on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws/host", s.HandleHostWS)
}

// hostConn serializes writes to one websocket.
type hostConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hostConn) WriteCommand(cmd protocol.Command) error {
	frame, err := protocol.EncodeFrame(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *hostConn) send(b protocol.Body) {
	cmd, err := protocol.NewCommand(b, "", "")
	if err != nil {
		return
	}
	_ = c.WriteCommand(cmd)
}

// HandleHostWS serves one host connection until it closes.
func (s *Server) HandleHostWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("host websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(s.maxMessage)
	hc := &hostConn{conn: conn}

	hello, err := s.readHello(conn)
	if err != nil {
		s.logger.Warn("host hello failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := s.authenticate(ctx, hello)
	if err != nil {
		s.logger.Warn("host rejected", "host_id", hello.HostID, "error", err)
		hc.send(&protocol.HelloAck{OK: false, Error: err.Error()})
		return
	}

	host, err := s.hosts.RegisterHost(ctx, hello.HostID, remoteHost(r.RemoteAddr), hello.Port)
	if err != nil {
		s.logger.Error("host registration failed", "host_id", hello.HostID, "error", err)
		hc.send(&protocol.HelloAck{OK: false, Error: "registration failed"})
		return
	}
	if host == nil {
		hc.send(&protocol.HelloAck{OK: false, Error: errUnknownHost.Error()})
		return
	}
	host.SetAccessKeyID(key.ID)
	hc.send(&protocol.HelloAck{OK: true, OrchestratorID: s.orchestratorID})

	stopKeepalive := startKeepalive(conn, &hc.mu)
	defer stopKeepalive()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		if err := host.Pump(ctx, hc); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("host pump stopped", "host_id", hello.HostID, "error", err)
		}
		// Unblock the read loop if the pump ended first.
		_ = conn.Close()
	}()

	s.readLoop(ctx, conn, host)

	cancel()
	<-pumpDone
	s.hosts.UnregisterInstance(context.Background(), host)
}

func (s *Server) readHello(conn *websocket.Conn) (*protocol.HostHello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	cmd, err := protocol.DecodeFrame(msg)
	if err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if cmd.Name != protocol.TypeHostHello {
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeHostHello, cmd.Name)
	}
	body, err := protocol.Decode(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	hello, ok := body.(*protocol.HostHello)
	if !ok || hello.HostID == "" {
		return nil, errors.New("hello without host id")
	}
	return hello, nil
}

// authenticate accepts a live host key bound to the host itself or, for
// account-wide keys, to the host's account.
func (s *Server) authenticate(ctx context.Context, hello *protocol.HostHello) (*store.AccessKey, error) {
	key, err := s.store.GetAccessKey(ctx, hello.AccessKey, store.KeyKindHost)
	if err != nil {
		return nil, fmt.Errorf("look up access key: %w", err)
	}
	if key == nil || key.Expired(s.now()) {
		return nil, errBadCredentials
	}
	if key.HostID != "" {
		if key.HostID != hello.HostID {
			return nil, errBadCredentials
		}
		return key, nil
	}
	h, err := s.store.GetHost(ctx, hello.HostID)
	if err != nil {
		return nil, fmt.Errorf("look up host: %w", err)
	}
	if h == nil {
		return nil, errUnknownHost
	}
	if h.AccountID != key.AccountID {
		return nil, errBadCredentials
	}
	return key, nil
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, host *fleet.HostOnline) {
	out := host.Control().Outgoing
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("host read ended", "host_id", host.ID, "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.BinaryMessage {
			s.logger.Warn("ignoring non-binary frame from host", "host_id", host.ID)
			continue
		}
		cmd, err := protocol.DecodeFrame(msg)
		if err != nil {
			s.logger.Warn("invalid frame from host", "host_id", host.ID, "error", err)
			continue
		}
		s.dispatcher.Dispatch(ctx, host.ID, cmd, out)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
