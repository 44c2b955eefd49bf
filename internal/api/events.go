package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inferhub/inferhub/internal/events"
)

const eventsWriteWait = 10 * time.Second

func (s *Server) upgrader() websocket.Upgrader {
	allowAll := len(s.origins) == 0 || slices.Contains(s.origins, "*")
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || slices.Contains(s.origins, origin)
		},
	}
}

// handleEvents streams fleet and session events of the caller's account
// as JSON text frames. ?type= may be repeated to narrow the feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(events.Filter{AccountID: caller.AccountID, Types: r.URL.Query()["type"]})
	defer s.bus.Unsubscribe(ch)

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(eventsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
