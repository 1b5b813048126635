package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream event types
const (
	StreamTypeDecision    = "decision"
	StreamTypeBudgetAlert = "budget_alert"
	StreamTypeHeartbeat   = "heartbeat"
)

// StreamEvent is one message on the decision/alert feed.
type StreamEvent struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans StreamEvents out to connected WebSocket subscribers. Slow
// subscribers drop events instead of blocking the dispatch path.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[chan StreamEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, subs: make(map[chan StreamEvent]struct{})}
}

// Broadcast delivers an event to every subscriber without blocking.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	ev := StreamEvent{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up, skip this event for it.
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan StreamEvent {
	ch := make(chan StreamEvent, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan StreamEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// handleStream upgrades the connection and forwards hub events until the
// client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	s.log.Info("stream subscriber connected", zap.String("remote", r.RemoteAddr))

	// Drain client frames so pings and close messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(StreamEvent{Type: StreamTypeHeartbeat, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// checkOrigin enforces the configured WebSocket origin allowlist. An empty
// Origin header (non-browser client) is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
