// Package api provides the app-facing HTTP API of the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/inferhub/inferhub/internal/broker"
	"github.com/inferhub/inferhub/internal/config"
	"github.com/inferhub/inferhub/internal/correlator"
	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/sessions"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// Mounter attaches extra routes, such as the host websocket endpoint, to
// the API router.
type Mounter interface {
	Mount(r chi.Router)
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	broker       *broker.Broker
	hosts        *fleet.Registry
	sessions     *sessions.Registry
	bus          *events.Bus
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	origins      []string
	rl           *rateLimiter
}

// NewServer creates the API server. hostWS may be nil.
func NewServer(s store.Store, b *broker.Broker, hosts *fleet.Registry, sess *sessions.Registry, bus *events.Bus, hostWS Mounter, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		broker:       b,
		hosts:        hosts,
		sessions:     sess,
		bus:          bus,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		origins:      cfg.Server.AllowedOrigins,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Host stream (auth handled inside)
	if hostWS != nil {
		hostWS.Mount(mux)
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/hosts", srv.handleListHosts)
		r.Get("/api/sessions", srv.handleListSessions)
		r.Post("/api/sessions", srv.handleCreateSession)
		r.Post("/api/sessions/{sessionID}/claim", srv.handleClaimSession)
		r.Post("/api/sessions/{sessionID}/infer", srv.handleInfer)
		r.Get("/api/sessions/{sessionID}/stats", srv.handleSessionStats)
		r.Post("/api/sessions/{sessionID}/close", srv.handleCloseSession)
		r.Get("/api/events", srv.handleEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).Truncate(time.Second).String(),
		"hosts":    s.hosts.Count(),
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	writeJSON(w, http.StatusOK, s.hosts.List(caller.AccountID))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	out := []sessions.Info{}
	for _, sess := range s.sessions.List() {
		if sess.AccountID == caller.AccountID {
			out = append(out, sess.Info())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req broker.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.broker.CreateSession(r.Context(), callerFromContext(r.Context()), req)
	if err != nil {
		s.writeBrokerError(w, "create session", err)
		return
	}
	status := http.StatusCreated
	if created.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, created)
}

func (s *Server) handleClaimSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.broker.ClaimSession(r.Context(), callerFromContext(r.Context()), id); err != nil {
		s.writeBrokerError(w, "claim session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed", "session_id": id})
}

type inferRequest struct {
	Prompt     string            `json:"prompt"`
	MaxTokens  int               `json:"max_tokens,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type inferChunk struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// handleInfer streams inference chunks as newline-delimited JSON. Errors
// after the first chunk are reported as a final {"error": ...} line.
func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	started := false
	start := func() {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
	}

	err := s.broker.Infer(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "sessionID"),
		&protocol.InferenceRequest{Prompt: req.Prompt, MaxTokens: req.MaxTokens, Parameters: req.Parameters},
		func(c *protocol.InferenceChunk) error {
			start()
			if err := enc.Encode(inferChunk{Index: c.Index, Text: c.Text, FinishReason: c.FinishReason}); err != nil {
				return err
			}
			return rc.Flush()
		})
	switch {
	case err == nil:
		start()
	case started:
		_ = enc.Encode(map[string]string{"error": err.Error()})
	default:
		s.writeBrokerError(w, "infer", err)
	}
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeBrokerError(w, "session stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens_in":    stats.TokensIn,
		"tokens_out":   stats.TokensOut,
		"requests":     stats.Requests,
		"uptime_secs":  stats.UptimeSecs,
		"context_size": stats.ContextSize,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.broker.CloseSession(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeBrokerError(w, "close session", err)
		return
	}
	out := map[string]any{"status": "closed"}
	if res != nil {
		out["host_ok"] = res.OK
		out["tokens_in"] = res.TokensIn
		out["tokens_out"] = res.TokensOut
	}
	writeJSON(w, http.StatusOK, out)
}

// writeBrokerError maps session operation failures onto HTTP statuses.
// Routing failures keep their message so clients can tell why no host
// was picked.
func (s *Server) writeBrokerError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, broker.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, broker.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, broker.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, broker.ErrHostRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, broker.ErrTimeout), errors.Is(err, correlator.ErrStreamTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case fleet.IsRoutingError(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
