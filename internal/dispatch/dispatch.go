// Package dispatch routes commands arriving from hosts to their handlers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// Handler processes one command from a host. out is the host's control
// outgoing queue, where replies to host-level commands go.
type Handler interface {
	Handle(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) error

func (f HandlerFunc) Handle(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) error {
	return f(ctx, hostID, cmd, out)
}

// Dispatcher is a name-keyed handler table. Commands with no handler go to
// the fallback, which is normally the session passthrough.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	logger   *slog.Logger
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "dispatch"),
	}
}

// Register sets the handler for a command name.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	d.handlers[name] = h
	d.mu.Unlock()
}

// SetFallback sets the handler for commands with no registered handler.
func (d *Dispatcher) SetFallback(h Handler) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// Dispatch runs the handler for cmd. Handler errors and panics are logged
// and never propagate, so one bad command cannot stop a host's read loop.
func (d *Dispatcher) Dispatch(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name]
	if !ok {
		h = d.fallback
	}
	d.mu.RUnlock()

	if h == nil {
		d.logger.Warn("no handler for command", "host_id", hostID, "command", cmd.Name)
		return
	}
	if err := d.invoke(ctx, h, hostID, cmd, out); err != nil {
		d.logger.Warn("command handler failed", "host_id", hostID, "command", cmd.Name,
			"session_id", cmd.SessionID, "error", err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, hostID string, cmd protocol.Command, out *queue.Queue) (err error) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("command handler panicked", "host_id", hostID, "command", cmd.Name,
				"panic", v, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return h.Handle(ctx, hostID, cmd, out)
}

// decodeAs decodes cmd's payload and asserts its type.
func decodeAs[T protocol.Body](cmd protocol.Command) (T, error) {
	var zero T
	body, err := protocol.Decode(cmd.Payload)
	if err != nil {
		return zero, err
	}
	v, ok := body.(T)
	if !ok {
		return zero, fmt.Errorf("command %s carries %T", cmd.Name, body)
	}
	return v, nil
}
