package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inferhub/inferhub/internal/correlator"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/pkg/protocol"
)

// ToolHandler forwards a tool call from an inference host to a tools-only
// host of the same account and relays the answer back. Every failure is
// reported to the caller as an unsuccessful ExecuteToolResponse.
type ToolHandler struct {
	hosts   *fleet.Registry
	calls   *correlator.Correlator
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewToolHandler(hosts *fleet.Registry, calls *correlator.Correlator, timeout time.Duration, logger *slog.Logger) *ToolHandler {
	if timeout <= 0 {
		timeout = correlator.DefaultTimeout
	}
	return &ToolHandler{hosts: hosts, calls: calls, timeout: timeout, logger: logger.With("component", "tools")}
}

// Handle starts the delegation and returns without waiting for it, so the
// requesting host's read loop keeps running.
func (h *ToolHandler) Handle(ctx context.Context, hostID string, cmd protocol.Command, out *queue.Queue) error {
	req, err := decodeAs[*protocol.ExecuteToolRequest](cmd)
	if err != nil {
		out.Push(protocol.MustCommand(failure("malformed tool request: "+err.Error()), cmd.SessionID, cmd.RequestID))
		return err
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		resp := h.execute(ctx, hostID, req)
		out.Push(protocol.MustCommand(resp, cmd.SessionID, cmd.RequestID))
	}()
	return nil
}

// Wait blocks until every delegation in progress has replied.
func (h *ToolHandler) Wait() {
	h.wg.Wait()
}

func (h *ToolHandler) execute(ctx context.Context, hostID string, req *protocol.ExecuteToolRequest) *protocol.ExecuteToolResponse {
	src := h.hosts.Get(hostID)
	if src == nil {
		return failure("requesting host is not online")
	}
	tools := h.hosts.SelectToolsOnlyHost(src.AccountID())
	if tools == nil {
		h.logger.Info("no tools host online", "host_id", hostID, "account_id", src.AccountID(), "tool", req.ToolID)
		return failure("no tools host is online for this account")
	}

	// The connection's own host id, whatever the request claims.
	req.RequestingHostID = hostID
	resp, err := correlator.Await[*protocol.ExecuteToolResponse](ctx, h.calls,
		correlator.Target{HostID: tools.ID}, req, h.timeout)
	if err != nil {
		h.logger.Warn("tool delegation failed", "tool", req.ToolID, "tools_host", tools.ID, "error", err)
		return failure(err.Error())
	}
	if resp == nil {
		return failure("tool execution timed out")
	}
	return resp
}

func failure(msg string) *protocol.ExecuteToolResponse {
	return &protocol.ExecuteToolResponse{Success: false, ErrorMessage: msg}
}
