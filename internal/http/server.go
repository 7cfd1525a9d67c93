package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-share/internal/auth"
	"github.com/example/ride-share/internal/booking"
	"github.com/example/ride-share/internal/dispatch"
	"github.com/example/ride-share/internal/geo"
	"github.com/example/ride-share/internal/idempotency"
)

// Options wires the server to its collaborators. Only Bookings is required.
type Options struct {
	Bookings    *booking.Service
	Auth        *auth.Authenticator
	Idempotency idempotency.Store
	Hub         *dispatch.WSHub
	Geo         geo.Index
	Logger      *slog.Logger

	// AllowUserHeader trusts X-User-ID when no bearer token is sent.
	// Local development only.
	AllowUserHeader bool
	// Ready reports dependency health for /ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	bookings    *booking.Service
	auth        *auth.Authenticator
	idem        idempotency.Store
	hub         *dispatch.WSHub
	geo         geo.Index
	allowHeader bool
	ready       func(ctx context.Context) error
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	mux         *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bookings:    opts.Bookings,
		auth:        opts.Auth,
		idem:        opts.Idempotency,
		hub:         opts.Hub,
		geo:         opts.Geo,
		allowHeader: opts.AllowUserHeader,
		ready:       opts.Ready,
		logger:      logger,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/rides/{ride_id}", s.handleRideStream).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.Handle("/rides/{ride_id}/bookings", s.idempotent(http.HandlerFunc(s.handleCreateBooking))).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/bookings", s.handleListBookings).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/bookings/mine", s.handleMyBooking).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/status", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/verifications", s.handleVerification).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{booking_id}", s.handleCancelBooking).Methods(http.MethodDelete)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
