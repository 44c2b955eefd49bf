package fleet

import (
	"context"
	"fmt"

	"github.com/inferhub/inferhub/pkg/protocol"
)

// CommandWriter writes one command to a host's physical stream.
type CommandWriter interface {
	WriteCommand(cmd protocol.Command) error
}

// Pump drains the host's outgoing queues into w until ctx is cancelled, the
// host is closed, or a write fails. Each cycle writes at most one control
// command and then at most one command per attached session, so sessions
// sharing the connection are served round-robin. When a cycle finds nothing
// to send the pump waits for the next push instead of spinning.
func (h *HostOnline) Pump(ctx context.Context, w CommandWriter) error {
	for {
		n, err := h.pumpCycle(w)
		if err != nil {
			return err
		}
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-h.done:
				return nil
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return nil
		case <-h.wake:
		}
	}
}

// pumpCycle runs one scan and returns how many commands it wrote.
func (h *HostOnline) pumpCycle(w CommandWriter) (int, error) {
	n := 0
	if cmd, ok := h.control.Outgoing.TryPop(); ok {
		if err := w.WriteCommand(cmd); err != nil {
			return n, fmt.Errorf("write %s: %w", cmd.Name, err)
		}
		n++
	}
	for _, p := range h.activePairs() {
		cmd, ok := p.Outgoing.TryPop()
		if !ok {
			continue
		}
		if err := w.WriteCommand(cmd); err != nil {
			return n, fmt.Errorf("write %s for session %s: %w", cmd.Name, cmd.SessionID, err)
		}
		n++
	}
	return n, nil
}
