// Package correlator turns a session's queue pair into request/response and
// request/stream calls. Many calls may be in flight on the same pair; each
// is matched to its replies by request id.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/queue"
	"github.com/inferhub/inferhub/pkg/protocol"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultStreamGap = 60 * time.Second
)

// ErrStreamTimeout is returned when a stream goes quiet for longer than its
// gap timeout.
var ErrStreamTimeout = errors.New("stream timed out waiting for the next item")

// PairResolver finds the queue pair behind a target. An empty session id
// names the host's control pair. HostName returns the host's display name
// for logs, or "" if the host is unknown.
type PairResolver interface {
	Pair(hostID, sessionID string) (*queue.Pair, error)
	HostName(hostID string) string
}

// Target addresses a call.
type Target struct {
	HostID    string
	SessionID string
}

// Correlator issues calls over queue pairs.
type Correlator struct {
	pairs     PairResolver
	logger    *slog.Logger
	timeout   time.Duration
	streamGap time.Duration
}

// New creates a Correlator. Zero durations use DefaultTimeout and
// DefaultStreamGap.
func New(pairs PairResolver, logger *slog.Logger, timeout, streamGap time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if streamGap <= 0 {
		streamGap = DefaultStreamGap
	}
	return &Correlator{
		pairs:     pairs,
		logger:    logger.With("component", "correlator"),
		timeout:   timeout,
		streamGap: streamGap,
	}
}

// call is one in-flight request on a pair.
type call struct {
	target    Target
	pair      *queue.Pair
	requestID string
}

func (c *Correlator) start(t Target, req protocol.Body) (*call, error) {
	pair, err := c.pairs.Pair(t.HostID, t.SessionID)
	if err != nil {
		return nil, err
	}
	if pair.Closed() {
		return nil, &fleet.RoutingError{HostID: t.HostID, SessionID: t.SessionID, Err: fleet.ErrPairClosed}
	}
	requestID := uuid.New().String()
	if !pair.Track(requestID) {
		return nil, fmt.Errorf("request id %s already in flight", requestID)
	}
	cmd, err := protocol.NewCommand(req, t.SessionID, requestID)
	if err != nil {
		pair.Untrack(requestID)
		return nil, fmt.Errorf("encode %s: %w", req.PayloadType(), err)
	}
	pair.Send(cmd)
	return &call{target: t, pair: pair, requestID: requestID}, nil
}

func (cl *call) finish() {
	cl.pair.Untrack(cl.requestID)
}

// next removes the oldest reply to this call, if any.
func (cl *call) next() (protocol.Command, bool) {
	return cl.pair.Incoming.TakeFirst(func(cmd protocol.Command) bool {
		return cmd.RequestID == cl.requestID
	})
}

func (cl *call) closedErr() error {
	return &fleet.RoutingError{HostID: cl.target.HostID, SessionID: cl.target.SessionID, Err: fleet.ErrPairClosed}
}

// cancel tells the host to stop working on the call. It does not wait.
func (cl *call) cancel(reason string) {
	cmd, err := protocol.NewCommand(&protocol.RequestCancel{RequestID: cl.requestID, Reason: reason},
		cl.target.SessionID, cl.requestID)
	if err != nil {
		return
	}
	cl.pair.Send(cmd)
}

// SendAndWait sends req and waits for a reply named respType. Every reply
// carrying the call's request id restarts the timeout, so hosts may send
// progress markers before the answer. When the timeout passes without an
// answer SendAndWait logs it and returns nil, nil. Routing failures return
// a *fleet.RoutingError. A zero timeout uses the correlator's default.
func (c *Correlator) SendAndWait(ctx context.Context, t Target, req protocol.Body, respType string, timeout time.Duration) (protocol.Body, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	cl, err := c.start(t, req)
	if err != nil {
		return nil, err
	}
	defer cl.finish()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		changed := cl.pair.Incoming.Changed()
		for {
			reply, ok := cl.next()
			if !ok {
				break
			}
			timer.Reset(timeout)
			if reply.Name != respType {
				continue
			}
			body, err := protocol.Decode(reply.Payload)
			if err != nil {
				c.logger.Warn("undecodable reply", "type", respType, "host_id", t.HostID,
					"session_id", t.SessionID, "error", err)
				return nil, fmt.Errorf("decode reply: %w", err)
			}
			return body, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			c.logger.Warn("request timed out", "request", req.PayloadType(), "response", respType,
				"host", c.pairs.HostName(t.HostID), "host_id", t.HostID, "session_id", t.SessionID,
				"timeout", timeout)
			return nil, nil
		case <-cl.pair.Done():
			return nil, cl.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Await is SendAndWait typed on the expected reply. On timeout it returns
// the zero T and a nil error.
func Await[T protocol.Body](ctx context.Context, c *Correlator, t Target, req protocol.Body, timeout time.Duration) (T, error) {
	var zero T
	body, err := c.SendAndWait(ctx, t, req, zero.PayloadType(), timeout)
	if err != nil || body == nil {
		return zero, err
	}
	v, ok := body.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected reply type %T", body)
	}
	return v, nil
}

// SendAndStream sends req and passes every reply to emit, in arrival order,
// until the host sends the end-of-stream marker. Replies that fail to
// decode are logged and skipped. If ctx is cancelled, emit fails, or no
// reply arrives within gap, the call stops at once and a cancel notice is
// queued for the host without waiting for it to be acknowledged. A zero gap
// uses the correlator's default.
func (c *Correlator) SendAndStream(ctx context.Context, t Target, req protocol.Body, emit func(protocol.Body) error, gap time.Duration) error {
	if gap <= 0 {
		gap = c.streamGap
	}
	cl, err := c.start(t, req)
	if err != nil {
		return err
	}
	defer cl.finish()

	timer := time.NewTimer(gap)
	defer timer.Stop()

	for {
		changed := cl.pair.Incoming.Changed()
		for {
			if ctx.Err() != nil {
				cl.cancel("cancelled")
				return ctx.Err()
			}
			reply, ok := cl.next()
			if !ok {
				break
			}
			timer.Reset(gap)
			if reply.Name == protocol.TypeStreamEnd {
				return nil
			}
			body, err := protocol.Decode(reply.Payload)
			if err != nil {
				c.logger.Warn("skipping undecodable stream item", "type", reply.Name, "host_id", t.HostID,
					"session_id", t.SessionID, "error", err)
				continue
			}
			if err := emit(body); err != nil {
				cl.cancel("consumer failed")
				return err
			}
		}

		select {
		case <-changed:
		case <-timer.C:
			c.logger.Warn("stream timed out", "request", req.PayloadType(), "host", c.pairs.HostName(t.HostID),
				"host_id", t.HostID, "session_id", t.SessionID, "gap", gap)
			cl.cancel("timeout")
			return ErrStreamTimeout
		case <-cl.pair.Done():
			return cl.closedErr()
		case <-ctx.Done():
			cl.cancel("cancelled")
			return ctx.Err()
		}
	}
}
