// Package sessions keeps the set of live sessions and expires idle ones.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inferhub/inferhub/internal/events"
)

// DefaultIdleTimeout is how long a session may go without interaction
// before the sweeper closes it.
const DefaultIdleTimeout = 600 * time.Second

// Close reasons passed to the host detacher.
const (
	ReasonClosed      = "closed"
	ReasonExpired     = "idle_timeout"
	ReasonHostOffline = "host_offline"
)

// HostDetacher releases a session's queues on its host.
type HostDetacher interface {
	DetachSession(hostID, sessionID, reason string)
}

// Registry holds the live sessions keyed by id. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	detacher    HostDetacher
	idleTimeout time.Duration
	bus         *events.Bus
	logger      *slog.Logger
	now         func() time.Time
}

// NewRegistry creates a session registry. A zero idleTimeout uses
// DefaultIdleTimeout.
func NewRegistry(detacher HostDetacher, idleTimeout time.Duration, bus *events.Bus, logger *slog.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		detacher:    detacher,
		idleTimeout: idleTimeout,
		bus:         bus,
		logger:      logger.With("component", "sessions"),
		now:         time.Now,
	}
}

// Create registers s, assigning an id if it has none, and stamps its
// creation and interaction times.
func (r *Registry) Create(s *Session) *Session {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := r.now()
	s.CreatedAt = now
	s.Touch(now)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type: events.SessionCreated, AccountID: s.AccountID, HostID: s.HostID, SessionID: s.ID,
	})
	r.logger.Debug("session created", "session_id", s.ID, "host_id", s.HostID)
	return s
}

// TryGet returns the session and extends its life.
func (r *Registry) TryGet(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch(r.now())
	}
	return s, ok
}

// Peek returns the session without touching it.
func (r *Registry) Peek(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close removes the session and releases its queues on the host. Closing
// an unknown id is a no-op and returns false.
func (r *Registry) Close(id string) bool {
	return r.close(id, ReasonClosed)
}

func (r *Registry) close(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if r.detacher != nil {
		r.detacher.DetachSession(s.HostID, s.ID, reason)
	}

	typ := events.SessionClosed
	if reason == ReasonExpired {
		typ = events.SessionExpired
	}
	r.bus.Publish(events.Event{Type: typ, AccountID: s.AccountID, HostID: s.HostID, SessionID: s.ID})
	r.logger.Info("session closed", "session_id", s.ID, "host_id", s.HostID, "reason", reason)
	return true
}

// CloseForHost removes a session whose host went away. The host's queues
// are already gone, so nothing is sent to it.
func (r *Registry) CloseForHost(id string) bool {
	return r.close(id, ReasonHostOffline)
}

// Expired returns the sessions idle at now.
func (r *Registry) Expired(now time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Idle(now, r.idleTimeout) {
			out = append(out, s)
		}
	}
	return out
}

// CleanupExpired closes every idle session and returns how many it closed.
func (r *Registry) CleanupExpired() int {
	n := 0
	for _, s := range r.Expired(r.now()) {
		// Skip sessions touched since the scan.
		if !s.Idle(r.now(), r.idleTimeout) {
			continue
		}
		if r.close(s.ID, ReasonExpired) {
			n++
		}
	}
	return n
}

// StartSweeper runs CleanupExpired every interval until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.CleanupExpired(); n > 0 {
					r.logger.Info("idle sweeper closed sessions", "count", n)
				}
			}
		}
	}()
}

// TryGetExistingSession finds a live session created by clientKey on hostID.
func (r *Registry) TryGetExistingSession(clientKey, hostID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.CreatorClientKey == clientKey && s.HostID == hostID {
			return s, true
		}
	}
	return nil, false
}

// CountByClient returns how many live sessions clientKey created.
func (r *Registry) CountByClient(clientKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.CreatorClientKey == clientKey {
			n++
		}
	}
	return n
}

// ByHost returns the live sessions routed to hostID.
func (r *Registry) ByHost(hostID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.HostID == hostID {
			out = append(out, s)
		}
	}
	return out
}

// List returns every live session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
