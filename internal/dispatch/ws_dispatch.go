package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession wraps one connected socket; the mutex serializes writes.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSHub is the broadcast Notifier: every event goes to every open socket.
// Subscription filtering is a client concern.
type WSHub struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{sessions: make(map[*WSSession]struct{}), logger: logger}
}

func (h *WSHub) Add(conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *WSHub) Remove(s *WSSession) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	_ = s.conn.Close()
}

func (h *WSHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *WSHub) Publish(ev Event) error {
	h.mu.RLock()
	sessions := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.send(ev); err != nil {
			if h.logger != nil {
				h.logger.Warn("ws send error, dropping session", "error", err)
			}
			h.Remove(s)
		}
	}
	return nil
}
