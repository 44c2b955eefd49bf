// Package fleet tracks the hosts connected to this orchestrator, routes new
// sessions to them and multiplexes session traffic over each host's stream.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inferhub/inferhub/internal/credits"
	"github.com/inferhub/inferhub/internal/events"
	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/internal/store"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// SessionCloser closes a session whose host has gone away.
type SessionCloser interface {
	CloseForHost(sessionID string) bool
}

// Registry is the directory of online hosts keyed by host id. At most one
// HostOnline exists per id.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*HostOnline

	store          store.Store
	settler        credits.Settler
	sessions       SessionCloser
	bus            *events.Bus
	orchestratorID string
	logger         *slog.Logger
	now            func() time.Time
}

// NewRegistry creates a host registry. settler may be nil.
func NewRegistry(s store.Store, settler credits.Settler, bus *events.Bus, orchestratorID string, logger *slog.Logger) *Registry {
	return &Registry{
		hosts:          make(map[string]*HostOnline),
		store:          s,
		settler:        settler,
		bus:            bus,
		orchestratorID: orchestratorID,
		logger:         logger.With("component", "fleet"),
		now:            time.Now,
	}
}

// SetSessionCloser wires the session registry. It must be called before
// the first host registers.
func (r *Registry) SetSessionCloser(c SessionCloser) {
	r.sessions = c
}

// RegisterHost brings a host online. A stale entry for the same id is fully
// unregistered first. It returns nil, nil if the store has no such host.
func (r *Registry) RegisterHost(ctx context.Context, hostID, address string, port int) (*HostOnline, error) {
	if stale := r.Get(hostID); stale != nil {
		r.logger.Warn("host reconnect: unregistering previous instance", "host_id", hostID)
		r.UnregisterInstance(ctx, stale)
	}

	profile, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("load host: %w", err)
	}
	if profile == nil {
		return nil, nil
	}

	profile.Status = store.HostOnline
	profile.DateStarted = r.now().UTC()
	profile.DateStopped = time.Time{}
	profile.Address = address
	if port > 0 {
		profile.Port = port
	}
	profile.ConnectedOrchestrator = r.orchestratorID
	if err := r.store.PatchHostForConnection(ctx, profile); err != nil {
		return nil, fmt.Errorf("persist host connection: %w", err)
	}

	h := newHostOnline(*profile)
	r.mu.Lock()
	prev := r.hosts[hostID]
	r.hosts[hostID] = h
	r.mu.Unlock()
	if prev != nil {
		// Lost a race with a concurrent registration; the profile already
		// reflects the new connection.
		r.teardown(ctx, prev, false)
	}

	r.updateConnectionCount(ctx, profile.AccountID)
	r.bus.Publish(events.Event{Type: events.HostConnected, AccountID: profile.AccountID, HostID: hostID})
	r.logger.Info("host connected", "host_id", hostID, "name", profile.Name, "address", address)
	return h, nil
}

// UnregisterInstance unregisters h if it is still the registered instance
// for its id. It returns false when a newer connection has superseded h.
func (r *Registry) UnregisterInstance(ctx context.Context, h *HostOnline) bool {
	r.mu.Lock()
	current, ok := r.hosts[h.ID]
	if ok && current == h {
		delete(r.hosts, h.ID)
	}
	r.mu.Unlock()
	if !ok || current != h {
		if ok {
			r.logger.Info("host connection superseded, skipping cleanup", "host_id", h.ID)
		}
		h.Close()
		return false
	}
	r.teardown(ctx, h, true)
	return true
}

// UnregisterHost takes a host offline by id.
func (r *Registry) UnregisterHost(ctx context.Context, hostID string) error {
	if h := r.Get(hostID); h != nil {
		r.UnregisterInstance(ctx, h)
		return nil
	}
	profile, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("load host: %w", err)
	}
	if profile == nil {
		return nil
	}
	return r.UnregisterProfile(ctx, profile)
}

// UnregisterProfile takes the host described by p offline. Hosts that are
// not online here but still recorded as online by this orchestrator are
// marked offline in the store.
func (r *Registry) UnregisterProfile(ctx context.Context, p *store.Host) error {
	if h := r.Get(p.ID); h != nil {
		r.UnregisterInstance(ctx, h)
		return nil
	}
	if p.Status != store.HostOnline || p.ConnectedOrchestrator != r.orchestratorID {
		return nil
	}
	r.markOffline(ctx, p)
	return nil
}

// teardown closes everything h owns. Sessions are closed before anything
// that can fail so they never outlive their host.
func (r *Registry) teardown(ctx context.Context, h *HostOnline, persist bool) {
	for _, sid := range h.SessionIDs() {
		if r.sessions != nil {
			r.sessions.CloseForHost(sid)
		}
	}
	h.Close()
	if !persist {
		return
	}

	p := h.Profile()
	r.settle(ctx, p)
	r.markOffline(ctx, &p)
	r.updateConnectionCount(ctx, p.AccountID)
	r.bus.Publish(events.Event{Type: events.HostDisconnected, AccountID: p.AccountID, HostID: p.ID})
	r.logger.Info("host disconnected", "host_id", p.ID)
}

func (r *Registry) settle(ctx context.Context, p store.Host) {
	if r.settler == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("uptime settlement panicked", "host_id", p.ID, "panic", v)
		}
	}()
	if err := r.settler.AwardPartialUptimeCredits(ctx, p.ID, p.AccountID); err != nil {
		r.logger.Warn("uptime settlement failed", "host_id", p.ID, "error", err)
	}
}

func (r *Registry) markOffline(ctx context.Context, p *store.Host) {
	p.Status = store.HostOffline
	p.Address = ""
	p.ConnectedOrchestrator = ""
	p.DateStopped = r.now().UTC()
	if err := r.store.PatchHostForConnection(ctx, p); err != nil {
		r.logger.Warn("failed to mark host offline", "host_id", p.ID, "error", err)
	}
}

func (r *Registry) updateConnectionCount(ctx context.Context, accountID string) {
	n := 0
	r.mu.RLock()
	for _, h := range r.hosts {
		if h.AccountID() == accountID {
			n++
		}
	}
	r.mu.RUnlock()
	if err := r.store.PatchConnectionCount(ctx, r.orchestratorID, n, accountID); err != nil {
		r.logger.Warn("failed to update connection count", "account_id", accountID, "error", err)
	}
}

// AddSession attaches a session queue pair to its host.
func (r *Registry) AddSession(hostID, sessionID string) (*queue.Pair, error) {
	h := r.Get(hostID)
	if h == nil {
		return nil, &RoutingError{HostID: hostID, SessionID: sessionID, Err: ErrHostOffline}
	}
	p, err := h.attach(sessionID)
	if err != nil {
		return nil, &RoutingError{HostID: hostID, SessionID: sessionID, Err: err}
	}
	return p, nil
}

// CloseSession removes a session's queue pair from its host. It reports
// whether the pair existed.
func (r *Registry) CloseSession(hostID, sessionID string) bool {
	h := r.Get(hostID)
	if h == nil {
		return false
	}
	_, ok := h.detach(sessionID)
	return ok
}

// DetachSession removes the session's queues and tells the host to tear
// the session down. Nothing is sent for sessions closed because their host
// went offline.
func (r *Registry) DetachSession(hostID, sessionID, reason string) {
	h := r.Get(hostID)
	if h == nil {
		return
	}
	if _, ok := h.detach(sessionID); !ok {
		return
	}
	cmd, err := protocol.NewCommand(&protocol.SessionTeardown{SessionID: sessionID, Reason: reason}, "", "")
	if err != nil {
		r.logger.Warn("failed to encode session teardown", "session_id", sessionID, "error", err)
		return
	}
	h.Control().Send(cmd)
}

// Pair returns the queue pair for a session, or the host's control pair
// when sessionID is empty.
func (r *Registry) Pair(hostID, sessionID string) (*queue.Pair, error) {
	h := r.Get(hostID)
	if h == nil {
		return nil, &RoutingError{HostID: hostID, SessionID: sessionID, Err: ErrHostOffline}
	}
	if sessionID == "" {
		return h.Control(), nil
	}
	p, ok := h.Session(sessionID)
	if !ok {
		return nil, &RoutingError{HostID: hostID, SessionID: sessionID, Err: ErrSessionNotFound}
	}
	return p, nil
}

// Get returns the online host with the given id, or nil.
func (r *Registry) Get(hostID string) *HostOnline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hosts[hostID]
}

// HostName returns the name of an online host, or "" if it is not online.
func (r *Registry) HostName(hostID string) string {
	if h := r.Get(hostID); h != nil {
		return h.Profile().Name
	}
	return ""
}

// List returns the profiles of all online hosts, optionally limited to one
// account.
func (r *Registry) List(accountID string) []store.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		p := h.Profile()
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Count returns the number of online hosts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// Shutdown unregisters every online host.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	hosts := make([]*HostOnline, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.RUnlock()
	for _, h := range hosts {
		r.UnregisterInstance(ctx, h)
	}
}
