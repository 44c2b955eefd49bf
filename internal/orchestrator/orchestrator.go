// Package orchestrator ties the orchestrator components together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inferhub/inferhub/internal/api"
	"github.com/inferhub/inferhub/internal/broker"
	"github.com/inferhub/inferhub/internal/config"
	"github.com/inferhub/inferhub/internal/correlator"
	"github.com/inferhub/inferhub/internal/credits"
	"github.com/inferhub/inferhub/internal/dispatch"
	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/sessions"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/internal/ticket"
	"github.com/inferhub/inferhub/internal/transport"
	"github.com/inferhub/inferhub/pkg/protocol"
)

const shutdownTimeout = 30 * time.Second

// Orchestrator is the main orchestrator process.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	store      store.Store
	bus        *events.Bus
	hosts      *fleet.Registry
	sessions   *sessions.Registry
	policy     *dispatch.VersionPolicy
	tools      *dispatch.ToolHandler
	api        *api.Server
	logger     *slog.Logger
}

// New opens the configured store and builds an orchestrator on it.
// configPath, if set, is watched for changes while Run is active.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Orchestrator, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	o := NewWithStore(cfg, db, logger)
	o.configPath = configPath
	return o, nil
}

// NewWithStore builds an orchestrator on an already opened store. The
// orchestrator takes ownership of s.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) *Orchestrator {
	bus := events.New()
	orcID := cfg.Orchestrator.ID

	hosts := fleet.NewRegistry(s, credits.NewLedger(s), bus, orcID, logger)
	sess := sessions.NewRegistry(hosts, cfg.Session.IdleTimeout.Duration, bus, logger)
	hosts.SetSessionCloser(sess)
	calls := correlator.New(hosts, logger, cfg.Session.RequestTimeout.Duration, cfg.Session.StreamItemTimeout.Duration)

	policy := dispatch.NewVersionPolicy(cfg.Releases.DownloadBaseURL, cfg.Releases.DefaultGroup, cfg.Releases.MinimumVersions)
	versions := dispatch.NewVersionCheck(s, policy, bus, logger)
	tools := dispatch.NewToolHandler(hosts, calls, cfg.Session.RequestTimeout.Duration, logger)

	d := dispatch.New(logger)
	d.SetFallback(dispatch.NewPassthrough(hosts, logger))
	d.Register(protocol.TypeHeartbeat, dispatch.NewHeartbeatHandler(hosts, s, versions, orcID, cfg.Hosts.AccessKeyTTL.Duration, logger))
	d.Register(protocol.TypeEnvironment, dispatch.NewEnvironmentHandler(hosts, s, versions, logger))
	d.Register(protocol.TypeToolExecute, tools)

	var tickets *ticket.Issuer
	if cfg.Tickets.Secret != "" {
		tickets = ticket.NewIssuer(cfg.Tickets.Secret, cfg.Tickets.TTL.Duration)
	} else {
		logger.Warn("tickets.secret not set, direct-connect sessions get no ticket")
	}
	b := broker.New(hosts, sess, calls, tickets, cfg.Session.MaxPerClient, logger)

	hostWS := transport.New(hosts, d, s, logger, transport.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Hosts.MaxMessageBytes,
		OrchestratorID:  orcID,
	})

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return &Orchestrator{
		cfg:      cfg,
		store:    s,
		bus:      bus,
		hosts:    hosts,
		sessions: sess,
		policy:   policy,
		tools:    tools,
		api:      api.NewServer(s, b, hosts, sess, bus, hostWS, cfg, logger),
		logger:   logger.With("component", "orchestrator"),
	}
}

// Handler returns the HTTP handler serving both the app API and the host
// stream.
func (o *Orchestrator) Handler() http.Handler {
	return o.api.Handler()
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down and releases every resource.
func (o *Orchestrator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.cfg.Server.Addr)
	if err != nil {
		o.close()
		return fmt.Errorf("listen: %w", err)
	}
	return o.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (o *Orchestrator) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	o.sessions.StartSweeper(gctx, o.cfg.Session.SweepInterval.Duration)
	o.api.StartBackgroundTasks(gctx)

	g.Go(func() error {
		o.logger.Info("orchestrator listening", "addr", ln.Addr().String(), "id", o.cfg.Orchestrator.ID)
		var err error
		if o.cfg.Server.TLSCert != "" && o.cfg.Server.TLSKey != "" {
			err = srv.ServeTLS(ln, o.cfg.Server.TLSCert, o.cfg.Server.TLSKey)
		} else {
			o.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		o.logger.Info("shutting down orchestrator gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		o.hosts.Shutdown(shutdownCtx)
		return nil
	})
	if o.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, o.configPath, o.logger, o.applyConfig)
		})
	}

	err := g.Wait()
	o.close()
	o.logger.Info("shutdown complete")
	return err
}

// applyConfig applies the settings that can change without a restart.
func (o *Orchestrator) applyConfig(cfg *config.Config) {
	o.policy.SetMinimumVersions(cfg.Releases.MinimumVersions)
	o.logger.Info("applied reloaded config", "minimum_versions", len(cfg.Releases.MinimumVersions))
}

func (o *Orchestrator) close() {
	o.tools.Wait()
	o.bus.Close()
	if err := o.store.Close(); err != nil {
		o.logger.Warn("closing store failed", "error", err)
	}
}
