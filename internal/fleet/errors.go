package fleet

import (
	"errors"
	"fmt"
)

// ErrNoHostOnline is returned when no online host satisfies a selection.
// Clients match on the "No host is online" text, so it must not change.
var ErrNoHostOnline = errors.New("No host is online that matches the request")

var (
	ErrHostOffline     = errors.New("host is not online")
	ErrSessionNotFound = errors.New("session is not attached to the host")
	ErrSessionExists   = errors.New("session is already attached to the host")
	ErrPairClosed      = errors.New("session queues were closed")
)

// RoutingError reports a structural failure to reach a host or session.
// Callers should not retry it.
type RoutingError struct {
	HostID    string
	SessionID string
	Err       error
}

func (e *RoutingError) Error() string {
	switch {
	case e.SessionID != "":
		return fmt.Sprintf("route to session %s on host %s: %v", e.SessionID, e.HostID, e.Err)
	case e.HostID != "":
		return fmt.Sprintf("route to host %s: %v", e.HostID, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *RoutingError) Unwrap() error { return e.Err }

// IsRoutingError reports whether err is or wraps a *RoutingError.
func IsRoutingError(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}
