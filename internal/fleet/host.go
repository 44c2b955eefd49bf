package fleet

import (
	"sync"

	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/internal/store"
)

// HostOnline is the live state of one connected host: its cached profile,
// the host-level control queues and one queue pair per attached session.
type HostOnline struct {
	ID string

	mu          sync.RWMutex
	profile     store.Host
	accessKeyID string
	sessions    map[string]*queue.Pair
	order       []string // attach order; the pump visits sessions in it
	closed      bool

	control   *queue.Pair
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newHostOnline(profile store.Host) *HostOnline {
	h := &HostOnline{
		ID:       profile.ID,
		profile:  profile,
		sessions: make(map[string]*queue.Pair),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.control = queue.NewPair(h.notify)
	return h
}

// notify wakes the pump without blocking.
func (h *HostOnline) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Profile returns a copy of the cached host profile.
func (h *HostOnline) Profile() store.Host {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile
}

// Update applies fn to the cached profile and returns the result.
func (h *HostOnline) Update(fn func(p *store.Host)) store.Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.profile)
	return h.profile
}

// AccountID returns the owning account of the host.
func (h *HostOnline) AccountID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile.AccountID
}

// AccessKeyID returns the id of the key the host authenticated with.
func (h *HostOnline) AccessKeyID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.accessKeyID
}

func (h *HostOnline) SetAccessKeyID(id string) {
	h.mu.Lock()
	h.accessKeyID = id
	h.mu.Unlock()
}

// Control returns the host-level control queue pair.
func (h *HostOnline) Control() *queue.Pair {
	return h.control
}

// Session returns the queue pair of an attached session.
func (h *HostOnline) Session(sessionID string) (*queue.Pair, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.sessions[sessionID]
	return p, ok
}

// SessionIDs returns the attached session ids in attach order.
func (h *HostOnline) SessionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// SessionCount returns the number of attached sessions.
func (h *HostOnline) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *HostOnline) attach(sessionID string) (*queue.Pair, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostOffline
	}
	if _, ok := h.sessions[sessionID]; ok {
		return nil, ErrSessionExists
	}
	p := queue.NewPair(h.notify)
	h.sessions[sessionID] = p
	h.order = append(h.order, sessionID)
	return p, nil
}

func (h *HostOnline) detach(sessionID string) (*queue.Pair, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(h.sessions, sessionID)
	for i, id := range h.order {
		if id == sessionID {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
	p.Close()
	return p, true
}

// activePairs returns the session pairs in attach order.
func (h *HostOnline) activePairs() []*queue.Pair {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*queue.Pair, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.sessions[id])
	}
	return out
}

// Done is closed when the host has been unregistered.
func (h *HostOnline) Done() <-chan struct{} {
	return h.done
}

// Close tears down every queue pair the host owns. Waiters on those pairs
// observe it through their Done channels.
func (h *HostOnline) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		pairs := make([]*queue.Pair, 0, len(h.sessions))
		for _, p := range h.sessions {
			pairs = append(pairs, p)
		}
		h.sessions = make(map[string]*queue.Pair)
		h.order = nil
		h.mu.Unlock()

		for _, p := range pairs {
			p.Close()
		}
		h.control.Close()
		close(h.done)
	})
}
