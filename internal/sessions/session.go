package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/inferhub/inferhub/pkg/protocol"
)

// Session is one logical conversation between an app client and a host.
type Session struct {
	ID               string
	HostID           string
	AccountID        string
	CreatorClientKey string
	CreatedAt        time.Time

	lastInteraction atomic.Int64 // unix nanoseconds

	mu           sync.Mutex
	claimerKey   string
	createResult *protocol.SessionCreated
	claimResult  *protocol.SessionClaimed
	closeResult  *protocol.SessionClosed
}

// Touch records an interaction at t.
func (s *Session) Touch(t time.Time) {
	s.lastInteraction.Store(t.UnixNano())
}

// LastInteraction returns the time of the most recent interaction.
func (s *Session) LastInteraction() time.Time {
	return time.Unix(0, s.lastInteraction.Load())
}

// Idle reports whether more than timeout has passed since the last
// interaction.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastInteraction()) > timeout
}

func (s *Session) SetCreateResult(r *protocol.SessionCreated) {
	s.mu.Lock()
	s.createResult = r
	s.mu.Unlock()
}

func (s *Session) CreateResult() *protocol.SessionCreated {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createResult
}

// SetClaim records a successful claim by clientKey.
func (s *Session) SetClaim(clientKey string, r *protocol.SessionClaimed) {
	s.mu.Lock()
	s.claimerKey = clientKey
	s.claimResult = r
	s.mu.Unlock()
}

func (s *Session) ClaimResult() *protocol.SessionClaimed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimResult
}

// ClaimerClientKey returns the key of the client that claimed the session,
// or "" if it was never claimed.
func (s *Session) ClaimerClientKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimerKey
}

func (s *Session) SetCloseResult(r *protocol.SessionClosed) {
	s.mu.Lock()
	s.closeResult = r
	s.mu.Unlock()
}

func (s *Session) CloseResult() *protocol.SessionClosed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeResult
}

// OwnedBy reports whether clientKey created or claimed the session.
func (s *Session) OwnedBy(clientKey string) bool {
	return clientKey != "" && (s.CreatorClientKey == clientKey || s.ClaimerClientKey() == clientKey)
}

// Info is a serializable snapshot of a session.
type Info struct {
	ID               string    `json:"id"`
	HostID           string    `json:"host_id"`
	AccountID        string    `json:"account_id,omitempty"`
	CreatorClientKey string    `json:"creator_client_key,omitempty"`
	ClaimerClientKey string    `json:"claimer_client_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastInteraction  time.Time `json:"last_interaction"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:               s.ID,
		HostID:           s.HostID,
		AccountID:        s.AccountID,
		CreatorClientKey: s.CreatorClientKey,
		ClaimerClientKey: s.ClaimerClientKey(),
		CreatedAt:        s.CreatedAt,
		LastInteraction:  s.LastInteraction(),
	}
}
