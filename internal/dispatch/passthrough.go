package dispatch

import (
	"context"
	"log/slog"

	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// PairResolver finds a session's queue pair on a host; an empty session id
// names the host's control pair.
type PairResolver interface {
	Pair(hostID, sessionID string) (*queue.Pair, error)
}

// Passthrough delivers replies from a host into the incoming queue of the
// pair they belong to, where a waiting call picks them up. Replies nobody
// is waiting for are dropped.
type Passthrough struct {
	pairs  PairResolver
	logger *slog.Logger
}

func NewPassthrough(pairs PairResolver, logger *slog.Logger) *Passthrough {
	return &Passthrough{pairs: pairs, logger: logger.With("component", "passthrough")}
}

func (p *Passthrough) Handle(_ context.Context, hostID string, cmd protocol.Command, _ *queue.Queue) error {
	pair, err := p.pairs.Pair(hostID, cmd.SessionID)
	if err != nil {
		p.logger.Debug("reply for unknown session", "host_id", hostID, "session_id", cmd.SessionID,
			"command", cmd.Name)
		return nil
	}
	if cmd.RequestID == "" || !pair.Expecting(cmd.RequestID) {
		p.logger.Debug("dropping unsolicited reply", "host_id", hostID, "session_id", cmd.SessionID,
			"command", cmd.Name, "request_id", cmd.RequestID)
		return nil
	}
	pair.Incoming.Push(cmd)
	return nil
}
