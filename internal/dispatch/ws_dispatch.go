package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/proximity-matching/internal/logging"
	"github.com/example/proximity-matching/internal/models"
)

const subscriptionBuffer = 8

// Subscription receives the state changes of one search. A full buffer drops
// the newest change, so receivers should treat a value as a hint and re-read
// the current status.
type Subscription struct {
	SearchID string
	C        <-chan models.SearchRequest

	ch chan models.SearchRequest
}

// Hub fans search state changes out to subscribers keyed by search id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), logger: logger}
}

func (h *Hub) Subscribe(searchID string) *Subscription {
	ch := make(chan models.SearchRequest, subscriptionBuffer)
	s := &Subscription{SearchID: searchID, C: ch, ch: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[searchID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[searchID] = set
	}
	set[s] = struct{}{}
	return s
}

// Unsubscribe closes s.C. Calling it twice is safe.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.SearchID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(h.subs, s.SearchID)
	}
}

// SearchChanged never blocks.
func (h *Hub) SearchChanged(req models.SearchRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[req.ID] {
		select {
		case s.ch <- req:
		default:
			h.logger.Debug("subscriber buffer full, dropping update", "request_id", req.ID, "status", req.Status)
		}
	}
}

func (h *Hub) Subscribers(searchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[searchID])
}

// WSSession serializes writes to one websocket connection.
type WSSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func NewWSSession(conn *websocket.Conn, writeTimeout time.Duration) *WSSession {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSSession{conn: conn, writeTimeout: writeTimeout}
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Close sends a normal close frame and closes the connection.
func (s *WSSession) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	return s.conn.Close()
}
