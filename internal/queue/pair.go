package queue

import (
	"sync"

	"github.com/inferhub/inferhub/pkg/protocol"
)

// Pair is the outgoing/incoming queue pair backing one logical channel on a
// host stream: either a session or the host-level control channel.
type Pair struct {
	Outgoing *Queue
	Incoming *Queue

	mu       sync.Mutex
	inFlight map[string]struct{}
	done     chan struct{}
	closed   bool
}

// NewPair creates a pair. onOutgoing runs after every push to the outgoing
// queue and is how a host's outbound pump gets woken.
func NewPair(onOutgoing func()) *Pair {
	return &Pair{
		Outgoing: New(onOutgoing),
		Incoming: New(nil),
		inFlight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Send enqueues a command toward the host.
func (p *Pair) Send(cmd protocol.Command) {
	p.Outgoing.Push(cmd)
}

// Track marks requestID as awaiting a reply on this pair. It returns false
// if the id is already in flight.
func (p *Pair) Track(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[requestID]; ok {
		return false
	}
	p.inFlight[requestID] = struct{}{}
	return true
}

// Untrack forgets requestID and drops any replies still queued for it.
func (p *Pair) Untrack(requestID string) {
	p.mu.Lock()
	delete(p.inFlight, requestID)
	p.mu.Unlock()

	p.Incoming.RemoveAll(func(c protocol.Command) bool { return c.RequestID == requestID })
}

// Expecting reports whether a caller is still waiting on requestID.
func (p *Pair) Expecting(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[requestID]
	return ok
}

// InFlight returns the number of outstanding requests.
func (p *Pair) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Close tears the pair down. Waiters observe it through Done. Safe to call
// more than once.
func (p *Pair) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Done is closed once the pair has been torn down.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Closed reports whether Close has been called.
func (p *Pair) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
