package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/proximity-matching/internal/dispatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStreamSearch pushes the current state of a search, then every change,
// and closes once the search is terminal.
func (s *Server) handleStreamSearch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// subscribe before the first read so no transition is missed
	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)

	current, err := s.searches.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", id, "error", err)
		return
	}
	ws := dispatch.NewWSSession(conn, 5*time.Second)
	defer ws.Close("search finished")

	pongWait := 2 * s.opts.StreamPingInterval
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := ws.Send(newSearchView(current)); err != nil || current.Status.Terminal() {
		return
	}
	last := current.Status

	ping := time.NewTicker(s.opts.StreamPingInterval)
	defer ping.Stop()
	// the sweeper may lag, so poll for lazy expiry too
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
			continue
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-poll.C:
		}
		req, err := s.searches.Status(r.Context(), id)
		if err != nil {
			return
		}
		if req.Status == last {
			continue
		}
		last = req.Status
		if err := ws.Send(newSearchView(req)); err != nil {
			s.logger.Debug("stream send failed", "request_id", id, "error", err)
			return
		}
		if req.Status.Terminal() {
			return
		}
	}
}
