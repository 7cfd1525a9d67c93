package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
)

const writeWait = 5 * time.Second

// WSSession is one websocket subscribed to a ride's events.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Ping keeps idle connections alive through proxies.
func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WSHub pushes ride events to the driver and passengers watching that ride.
type WSHub struct {
	mu       sync.RWMutex
	sessions map[string]map[*WSSession]struct{}
}

func NewWSHub() *WSHub { return &WSHub{sessions: make(map[string]map[*WSSession]struct{})} }

func (h *WSHub) Name() string { return "websocket" }

func (h *WSHub) Add(rideID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[rideID] == nil {
		h.sessions[rideID] = make(map[*WSSession]struct{})
	}
	h.sessions[rideID][s] = struct{}{}
	observability.WSSubscribers.Inc()
	return s
}

func (h *WSHub) Remove(rideID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[rideID]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.sessions, rideID)
	}
	observability.WSSubscribers.Dec()
}

func (h *WSHub) Subscribers(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[rideID])
}

// Deliver sends ev to every session on the ride. Sessions that fail to
// receive are dropped; the error of the last failure is returned.
func (h *WSHub) Deliver(_ context.Context, ev models.Event) error {
	h.mu.RLock()
	subs := make([]*WSSession, 0, len(h.sessions[ev.RideID]))
	for s := range h.sessions[ev.RideID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var lastErr error
	for _, s := range subs {
		if err := s.Send(ev); err != nil {
			lastErr = err
			h.Remove(ev.RideID, s)
			_ = s.conn.Close()
		}
	}
	return lastErr
}
