package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// HeartbeatHandler records host liveness and renews its access key.
type HeartbeatHandler struct {
	hosts          *fleet.Registry
	store          store.Store
	versions       *VersionCheck
	orchestratorID string
	keyTTL         time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewHeartbeatHandler(hosts *fleet.Registry, s store.Store, versions *VersionCheck, orchestratorID string, keyTTL time.Duration, logger *slog.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{
		hosts:          hosts,
		store:          s,
		versions:       versions,
		orchestratorID: orchestratorID,
		keyTTL:         keyTTL,
		logger:         logger.With("component", "heartbeat"),
		now:            time.Now,
	}
}

func (h *HeartbeatHandler) Handle(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) error {
	host := h.hosts.Get(hostID)
	if host == nil {
		h.logger.Info("heartbeat from unregistered host", "host_id", hostID)
		return nil
	}
	hb, err := decodeAs[*protocol.Heartbeat](cmd)
	if err != nil {
		return err
	}

	now := h.now().UTC()
	p := host.Update(func(p *store.Host) {
		p.DateLastHeartbeat = now
		p.Status = store.HostOnline
		p.ConnectedOrchestrator = h.orchestratorID
		if hb.Port > 0 {
			p.Port = hb.Port
		}
	})
	if err := h.store.PatchHostForHeartbeat(ctx, &p); err != nil {
		return fmt.Errorf("persist heartbeat: %w", err)
	}
	if keyID := host.AccessKeyID(); keyID != "" && h.keyTTL > 0 {
		if err := h.store.SetAccessKeyTTL(ctx, keyID, h.keyTTL); err != nil {
			h.logger.Warn("failed to renew access key", "host_id", hostID, "error", err)
		}
	}

	out.Push(protocol.MustCommand(&protocol.HeartbeatAck{ReceivedAt: now}, "", cmd.RequestID))
	if h.versions != nil {
		h.versions.Check(ctx, p, out)
	}
	return nil
}

// EnvironmentHandler records what a host reports about its platform.
type EnvironmentHandler struct {
	hosts    *fleet.Registry
	store    store.Store
	versions *VersionCheck
	logger   *slog.Logger
}

func NewEnvironmentHandler(hosts *fleet.Registry, s store.Store, versions *VersionCheck, logger *slog.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{hosts: hosts, store: s, versions: versions, logger: logger.With("component", "environment")}
}

func (h *EnvironmentHandler) Handle(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) error {
	host := h.hosts.Get(hostID)
	if host == nil {
		h.logger.Info("environment report from unregistered host", "host_id", hostID)
		return nil
	}
	env, err := decodeAs[*protocol.EnvironmentReport](cmd)
	if err != nil {
		return err
	}
	p := host.Update(func(p *store.Host) {
		p.OSName = env.OSName
		p.OSVersion = env.OSVersion
		p.AppVersion = env.AppVersion
		if env.ReleaseGroup != "" {
			p.ReleaseGroup = env.ReleaseGroup
		}
	})
	if err := h.store.PatchHostEnvironment(ctx, &p); err != nil {
		return fmt.Errorf("persist environment: %w", err)
	}
	if h.versions != nil {
		h.versions.Check(ctx, p, out)
	}
	return nil
}
