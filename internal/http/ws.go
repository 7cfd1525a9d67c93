package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-share/internal/booking"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleRideStream subscribes the ride's driver or one of its passengers to
// the ride's events. Clients only receive; anything they send is dropped.
func (s *Server) handleRideStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	userID := currentUser(r)

	ride, err := s.bookings.GetRide(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride.DriverID != userID {
		held, err := s.bookings.HasExistingBooking(r.Context(), rideID, userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !held {
			s.writeError(w, r, fmt.Errorf("%w: not a participant of this ride", booking.ErrForbidden))
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "ride_id", rideID, "error", err)
		return
	}
	session := s.hub.Add(rideID, conn)
	s.logger.Info("ride stream subscribed", "ride_id", rideID, "user_id", userID)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := session.Ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ride stream read failed", "ride_id", rideID, "error", err)
			}
			break
		}
	}
	close(done)
	s.hub.Remove(rideID, session)
	_ = conn.Close()
}
