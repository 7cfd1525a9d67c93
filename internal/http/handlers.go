package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-share/internal/auth"
	"github.com/example/ride-share/internal/booking"
	"github.com/example/ride-share/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

var errBadRequest = errors.New("bad request")

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in booking.RideInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.bookings.CreateRide(r.Context(), currentUser(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.RideFilter{
		DriverID: q.Get("driver_id"),
		DateFrom: q.Get("from"),
		DateTo:   q.Get("to"),
		Limit:    defaultListLimit,
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, models.RideStatus(strings.TrimSpace(st)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	near, err := parseNear(q.Get("near_lat"), q.Get("near_lng"), q.Get("radius_km"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if near != nil && s.geo != nil {
		rides, err := s.nearbyRides(r, *near, f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
		return
	}

	rides, err := s.bookings.ListRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type nearQuery struct {
	lat, lng, radiusKm float64
}

func parseNear(lat, lng, radius string) (*nearQuery, error) {
	if lat == "" && lng == "" {
		return nil, nil
	}
	var q nearQuery
	var err error
	if q.lat, err = strconv.ParseFloat(lat, 64); err != nil || q.lat < -90 || q.lat > 90 {
		return nil, fmt.Errorf("%w: near_lat must be a latitude", errBadRequest)
	}
	if q.lng, err = strconv.ParseFloat(lng, 64); err != nil || q.lng < -180 || q.lng > 180 {
		return nil, fmt.Errorf("%w: near_lng must be a longitude", errBadRequest)
	}
	q.radiusKm = 25
	if radius != "" {
		if q.radiusKm, err = strconv.ParseFloat(radius, 64); err != nil || q.radiusKm <= 0 {
			return nil, fmt.Errorf("%w: radius_km must be positive", errBadRequest)
		}
	}
	return &q, nil
}

// nearbyRides resolves ids from the open-ride index, closest first, and
// applies the remaining filters to each ride. The index is updated after
// commit, so rides that closed meanwhile are skipped. Filtering can discard
// ids, so the lookup widens until Limit rides match or the index runs out.
func (s *Server) nearbyRides(r *http.Request, q nearQuery, f models.RideFilter) ([]models.Ride, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", booking.ErrValidation, st)
		}
	}
	if err := booking.ValidateDateRange(f.DateFrom, f.DateTo); err != nil {
		return nil, err
	}

	fetch := f.Limit
	for {
		ids, err := s.geo.Nearby(r.Context(), q.lat, q.lng, q.radiusKm, fetch)
		if err != nil {
			return nil, fmt.Errorf("geo lookup: %w", err)
		}
		rides := make([]models.Ride, 0, f.Limit)
		for _, id := range ids {
			ride, err := s.bookings.GetRide(r.Context(), id)
			if errors.Is(err, booking.ErrRideNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ride.Status.Open() && f.Match(ride) {
				rides = append(rides, ride)
				if len(rides) == f.Limit {
					return rides, nil
				}
			}
		}
		if len(ids) < fetch {
			return rides, nil
		}
		fetch *= 4
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.bookings.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type createBookingBody struct {
	Seats         int    `json:"seats"`
	ContactPhone  string `json:"contact_phone"`
	Notes         string `json:"notes"`
	PaymentMethod string `json:"payment_method"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var body createBookingBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.bookings.CreateBooking(r.Context(), booking.BookingRequest{
		RideID:        mux.Vars(r)["ride_id"],
		PassengerID:   currentUser(r),
		Seats:         body.Seats,
		ContactPhone:  body.ContactPhone,
		Notes:         body.Notes,
		PaymentMethod: body.PaymentMethod,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.bookings.ListBookings(r.Context(), mux.Vars(r)["ride_id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

func (s *Server) handleMyBooking(w http.ResponseWriter, r *http.Request) {
	ok, err := s.bookings.HasExistingBooking(r.Context(), mux.Vars(r)["ride_id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_booking": ok})
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	res, err := s.bookings.CancelBooking(r.Context(), mux.Vars(r)["booking_id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.bookings.TransitionRide(r.Context(), mux.Vars(r)["ride_id"], currentUser(r), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PassengerID string `json:"passenger_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bookings.RecordVerification(r.Context(), mux.Vars(r)["ride_id"], currentUser(r), body.PassengerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func currentUser(r *http.Request) string {
	id, _ := auth.UserFrom(r.Context())
	return id
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps lifecycle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, booking.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, booking.ErrForbidden), errors.Is(err, booking.ErrOwnRide):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrRideNotFound), errors.Is(err, booking.ErrBookingNotFound):
		return http.StatusNotFound
	case booking.IsRejection(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"route", routeTemplate(r),
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	body := map[string]any{"error": msg}
	var capErr *booking.CapacityError
	if errors.As(err, &capErr) {
		body["remaining_seats"] = capErr.Remaining
	}
	writeJSON(w, status, body)
}
