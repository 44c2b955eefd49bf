package fleet

import (
	"slices"

	"github.com/inferhub/inferhub/internal/store"
)

// Criteria narrows host selection. Zero fields do not filter.
type Criteria struct {
	HostID                string
	AccountID             string
	PreferredHostNames    []string
	DirectConnectRequired bool
	PreferredRegion       string
}

// Route is what a caller needs to reach a selected host.
type Route struct {
	HostID        string `json:"host_id"`
	Name          string `json:"name"`
	Address       string `json:"address,omitempty"`
	Port          int    `json:"port,omitempty"`
	DirectConnect bool   `json:"direct_connect"`
}

func (c Criteria) matches(p *store.Host) bool {
	if p.ToolsOnly {
		return false
	}
	if c.HostID != "" {
		if p.ID != c.HostID {
			return false
		}
		if c.AccountID != "" && p.AccountID != c.AccountID {
			return false
		}
	}
	if len(c.PreferredHostNames) > 0 && !slices.Contains(c.PreferredHostNames, p.Name) {
		return false
	}
	if c.DirectConnectRequired && !p.DirectConnect {
		return false
	}
	if c.PreferredRegion != "" && p.Region != c.PreferredRegion {
		return false
	}
	return true
}

// SelectHost picks the matching online host that least recently received
// a session and stamps its DateLastSession. Tools-only hosts are never
// selected.
func (r *Registry) SelectHost(c Criteria) (Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *HostOnline
	var bestProfile store.Host
	for _, h := range r.hosts {
		p := h.Profile()
		if !c.matches(&p) {
			continue
		}
		if best == nil || p.DateLastSession.Before(bestProfile.DateLastSession) {
			best, bestProfile = h, p
		}
	}
	if best == nil {
		return Route{}, &RoutingError{HostID: c.HostID, Err: ErrNoHostOnline}
	}

	now := r.now().UTC()
	p := best.Update(func(p *store.Host) { p.DateLastSession = now })
	return Route{
		HostID:        p.ID,
		Name:          p.Name,
		Address:       p.Address,
		Port:          p.Port,
		DirectConnect: p.DirectConnect,
	}, nil
}

// SelectToolsOnlyHost returns an online tools-only host owned by accountID,
// or nil.
func (r *Registry) SelectToolsOnlyHost(accountID string) *HostOnline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hosts {
		p := h.Profile()
		if p.ToolsOnly && p.AccountID == accountID {
			return h
		}
	}
	return nil
}
