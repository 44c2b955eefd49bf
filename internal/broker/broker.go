// Package broker implements the app-facing session operations on top of
// the fleet, session registry and correlator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inferhub/inferhub/internal/correlator"
	"github.com/inferhub/inferhub/internal/fleet"
	"github.com/inferhub/inferhub/internal/sessions"
	"github.com/inferhub/inferhub/internal/ticket"
	"github.com/inferhub/inferhub/pkg/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("session belongs to another client")
	ErrHostRejected    = errors.New("host rejected the request")
	ErrTimeout         = errors.New("host did not answer in time")
	ErrTooManySessions = errors.New("too many open sessions for this client")
)

// Caller identifies the app client making a request.
type Caller struct {
	ClientKey string
	AccountID string
}

// CreateRequest describes where a new session should run.
type CreateRequest struct {
	HostID                string            `json:"host_id,omitempty"`
	PreferredHostNames    []string          `json:"preferred_host_names,omitempty"`
	DirectConnectRequired bool              `json:"direct_connect_required,omitempty"`
	PreferredRegion       string            `json:"preferred_region,omitempty"`
	Options               map[string]string `json:"options,omitempty"`
}

// Created is the result of CreateSession.
type Created struct {
	SessionID       string      `json:"session_id"`
	Host            fleet.Route `json:"host"`
	Model           string      `json:"model,omitempty"`
	Reused          bool        `json:"reused"`
	Ticket          string      `json:"ticket,omitempty"`
	TicketExpiresAt time.Time   `json:"ticket_expires_at,omitzero"`
}

// Broker runs session operations for app clients.
type Broker struct {
	hosts        *fleet.Registry
	sessions     *sessions.Registry
	calls        *correlator.Correlator
	tickets      *ticket.Issuer
	maxPerClient int
	logger       *slog.Logger
}

// New creates a Broker. tickets may be nil, in which case direct-connect
// sessions get no ticket. maxPerClient <= 0 means unlimited.
func New(hosts *fleet.Registry, sess *sessions.Registry, calls *correlator.Correlator, tickets *ticket.Issuer, maxPerClient int, logger *slog.Logger) *Broker {
	return &Broker{
		hosts:        hosts,
		sessions:     sess,
		calls:        calls,
		tickets:      tickets,
		maxPerClient: maxPerClient,
		logger:       logger.With("component", "broker"),
	}
}

// CreateSession routes a new session to a host and waits for the host to
// set it up. A live session the same client already has on the requested
// host is returned instead of creating another.
func (b *Broker) CreateSession(ctx context.Context, caller Caller, req CreateRequest) (*Created, error) {
	if req.HostID != "" {
		if s, ok := b.sessions.TryGetExistingSession(caller.ClientKey, req.HostID); ok {
			if h := b.hosts.Get(req.HostID); h != nil {
				if _, attached := h.Session(s.ID); attached {
					// Reuse counts as interaction.
					b.sessions.TryGet(s.ID)
					return b.created(s, routeOf(h), true)
				}
			}
		}
	}
	if b.maxPerClient > 0 && b.sessions.CountByClient(caller.ClientKey) >= b.maxPerClient {
		return nil, ErrTooManySessions
	}

	route, err := b.hosts.SelectHost(fleet.Criteria{
		HostID:                req.HostID,
		AccountID:             caller.AccountID,
		PreferredHostNames:    req.PreferredHostNames,
		DirectConnectRequired: req.DirectConnectRequired,
		PreferredRegion:       req.PreferredRegion,
	})
	if err != nil {
		return nil, err
	}

	s := b.sessions.Create(&sessions.Session{
		HostID:           route.HostID,
		AccountID:        caller.AccountID,
		CreatorClientKey: caller.ClientKey,
	})
	if _, err := b.hosts.AddSession(route.HostID, s.ID); err != nil {
		b.sessions.Close(s.ID)
		return nil, err
	}

	res, err := correlator.Await[*protocol.SessionCreated](ctx, b.calls, target(s),
		&protocol.SessionCreate{ClientKey: caller.ClientKey, Options: req.Options}, 0)
	switch {
	case err != nil:
		b.sessions.Close(s.ID)
		return nil, fmt.Errorf("create session: %w", err)
	case res == nil:
		b.sessions.Close(s.ID)
		return nil, ErrTimeout
	case !res.OK:
		b.sessions.Close(s.ID)
		return nil, fmt.Errorf("%w: %s", ErrHostRejected, res.Error)
	}
	s.SetCreateResult(res)
	b.logger.Info("session created", "session_id", s.ID, "host_id", route.HostID, "client", caller.ClientKey)
	return b.created(s, route, false)
}

func (b *Broker) created(s *sessions.Session, route fleet.Route, reused bool) (*Created, error) {
	out := &Created{SessionID: s.ID, Host: route, Reused: reused}
	if res := s.CreateResult(); res != nil {
		out.Model = res.Model
	}
	if route.DirectConnect && b.tickets != nil {
		tok, exp, err := b.tickets.Issue(s.ID, route.HostID, s.CreatorClientKey)
		if err != nil {
			return nil, err
		}
		out.Ticket, out.TicketExpiresAt = tok, exp
	}
	return out, nil
}

// ClaimSession hands an existing session to the calling client.
func (b *Broker) ClaimSession(ctx context.Context, caller Caller, sessionID string) (*protocol.SessionClaimed, error) {
	s, err := b.lookup(caller, sessionID, false)
	if err != nil {
		return nil, err
	}
	res, err := correlator.Await[*protocol.SessionClaimed](ctx, b.calls, target(s),
		&protocol.SessionClaim{ClientKey: caller.ClientKey}, 0)
	if err != nil {
		return nil, fmt.Errorf("claim session: %w", err)
	}
	if res == nil {
		return nil, ErrTimeout
	}
	if !res.OK {
		return res, fmt.Errorf("%w: %s", ErrHostRejected, res.Error)
	}
	s.SetClaim(caller.ClientKey, res)
	return res, nil
}

// Infer streams an inference through the session's host, passing each
// chunk to emit. Cancelling ctx stops the stream and tells the host.
func (b *Broker) Infer(ctx context.Context, caller Caller, sessionID string, req *protocol.InferenceRequest, emit func(*protocol.InferenceChunk) error) error {
	s, err := b.lookup(caller, sessionID, true)
	if err != nil {
		return err
	}
	return b.calls.SendAndStream(ctx, target(s), req, func(body protocol.Body) error {
		chunk, ok := body.(*protocol.InferenceChunk)
		if !ok {
			b.logger.Debug("ignoring stream item", "session_id", s.ID, "type", body.PayloadType())
			return nil
		}
		s.Touch(time.Now())
		return emit(chunk)
	}, 0)
}

// Stats asks the host for the session's usage counters.
func (b *Broker) Stats(ctx context.Context, caller Caller, sessionID string) (*protocol.SessionStats, error) {
	s, err := b.lookup(caller, sessionID, false)
	if err != nil {
		return nil, err
	}
	res, err := correlator.Await[*protocol.SessionStats](ctx, b.calls, target(s), &protocol.StatsRequest{}, 0)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	if res == nil {
		return nil, ErrTimeout
	}
	return res, nil
}

// CloseSession asks the host to close the session, records its answer if
// one arrives, and removes the session either way.
func (b *Broker) CloseSession(ctx context.Context, caller Caller, sessionID string) (*protocol.SessionClosed, error) {
	s, err := b.lookup(caller, sessionID, true)
	if err != nil {
		return nil, err
	}
	res, err := correlator.Await[*protocol.SessionClosed](ctx, b.calls, target(s),
		&protocol.SessionClose{Reason: sessions.ReasonClosed}, 0)
	if err != nil {
		b.logger.Warn("host close failed", "session_id", s.ID, "error", err)
	}
	if res != nil {
		s.SetCloseResult(res)
	}
	b.sessions.Close(s.ID)
	return res, nil
}

// lookup finds a session visible to caller. Sessions of other accounts are
// reported as missing.
func (b *Broker) lookup(caller Caller, sessionID string, requireOwner bool) (*sessions.Session, error) {
	s, ok := b.sessions.TryGet(sessionID)
	if !ok || s.AccountID != caller.AccountID {
		return nil, ErrSessionNotFound
	}
	if requireOwner && !s.OwnedBy(caller.ClientKey) {
		return nil, ErrForbidden
	}
	return s, nil
}

func target(s *sessions.Session) correlator.Target {
	return correlator.Target{HostID: s.HostID, SessionID: s.ID}
}

func routeOf(h *fleet.HostOnline) fleet.Route {
	p := h.Profile()
	return fleet.Route{HostID: p.ID, Name: p.Name, Address: p.Address, Port: p.Port, DirectConnect: p.DirectConnect}
}
