package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-share/internal/geo"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
	"github.com/example/ride-share/internal/storage"
)

// Verifier records the driver's confirmations of passenger identity checks
// and lists the passengers whose confirmation has not expired.
type Verifier interface {
	VerifiedPassengers(ctx context.Context, rideID, driverID string) ([]string, error)
	MarkVerified(ctx context.Context, rideID, driverID, passengerID string) error
}

// EventPublisher receives events after the owning transaction commits.
// It has no error return: delivery never affects an operation's outcome.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// Service is the only writer of ride seat state and bookings. Every
// mutating operation runs inside Store.InTx with the ride row locked and
// rewrites AvailableSeats, BookedBy and Status from the live bookings in a
// single UpdateRide.
type Service struct {
	Store    storage.Store
	Verifier Verifier // nil disables the in-progress verification gate
	Events   EventPublisher
	Logger   *slog.Logger
	Currency string

	Now   func() time.Time
	NewID func() string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// CreateRide publishes a driver's offer with every seat available.
func (s *Service) CreateRide(ctx context.Context, driverID string, in RideInput) (ride models.Ride, err error) {
	defer s.observe(ctx, "create_ride", time.Now(), &err, "driver_id", driverID)
	if err := requireIDs("driver_id", driverID); err != nil {
		return models.Ride{}, err
	}
	if err := validateStruct(in); err != nil {
		return models.Ride{}, err
	}
	now := s.now()
	ride = models.Ride{
		ID:                s.newID(),
		DriverID:          driverID,
		Origin:            in.Origin.model(),
		Destination:       in.Destination.model(),
		Date:              in.Date,
		Time:              in.Time,
		CapacitySeats:     in.Seats,
		AvailableSeats:    in.Seats,
		PricePerSeatCents: in.PricePerSeatCents,
		Currency:          strings.ToLower(in.Currency),
		Status:            models.RideScheduled,
		Description:       in.Description,
		BookedBy:          []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if ride.Currency == "" {
		ride.Currency = s.defaultCurrency()
	}
	if v := in.Vehicle; v != nil {
		ride.Vehicle = &models.Vehicle{Make: v.Make, Model: v.Model, Year: v.Year, Color: v.Color, Plate: v.Plate}
	}
	if err := s.Store.CreateRide(ctx, &ride); err != nil {
		return models.Ride{}, fmt.Errorf("insert ride: %w", err)
	}
	ride.DistanceKm = geo.DistanceKm(ride.Origin, ride.Destination)
	snapshot := ride.Clone()
	s.publish(ctx, models.Event{
		Type:     models.EventRideCreated,
		RideID:   ride.ID,
		DriverID: driverID,
		ActorID:  driverID,
		Status:   ride.Status,
		Ride:     &snapshot,
	})
	return ride, nil
}

func (s *Service) GetRide(ctx context.Context, rideID string) (models.Ride, error) {
	if err := requireIDs("ride_id", rideID); err != nil {
		return models.Ride{}, err
	}
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, rideErr(err)
	}
	r.DistanceKm = geo.DistanceKm(r.Origin, r.Destination)
	return *r, nil
}

func (s *Service) ListRides(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, st)
		}
	}
	if err := ValidateDateRange(f.DateFrom, f.DateTo); err != nil {
		return nil, err
	}
	rides, err := s.Store.ListRides(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	for i := range rides {
		rides[i].DistanceKm = geo.DistanceKm(rides[i].Origin, rides[i].Destination)
	}
	return rides, nil
}

// CreateBooking reserves seats for a passenger. Checks run in order inside
// the ride lock: ride exists, not the driver's own ride, ride still open,
// enough seats left, no live booking for the same passenger.
func (s *Service) CreateBooking(ctx context.Context, req BookingRequest) (res BookingResult, err error) {
	defer s.observe(ctx, "create_booking", time.Now(), &err, "ride_id", req.RideID, "passenger_id", req.PassengerID, "seats", req.Seats)
	if err := validateStruct(req); err != nil {
		return BookingResult{}, err
	}

	err = s.Store.InTx(ctx, req.RideID, func(tx storage.Tx) error {
		ride, err := tx.GetRide(ctx, req.RideID)
		if err != nil {
			return err
		}
		if ride.DriverID == req.PassengerID {
			return ErrOwnRide
		}
		if !ride.Status.Open() {
			return fmt.Errorf("%w: ride is %s", ErrRideClosed, ride.Status)
		}
		live, err := tx.ListBookings(ctx, models.BookingFilter{RideID: ride.ID})
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		if remaining := ride.CapacitySeats - seatsHeld(live); req.Seats > remaining {
			return &CapacityError{Requested: req.Seats, Remaining: max(remaining, 0)}
		}
		if holdsBooking(live, req.PassengerID) {
			return ErrDuplicateBooking
		}

		b := models.Booking{
			ID:            s.newID(),
			RideID:        ride.ID,
			PassengerID:   req.PassengerID,
			Seats:         req.Seats,
			ContactPhone:  strings.TrimSpace(req.ContactPhone),
			Notes:         strings.TrimSpace(req.Notes),
			PaymentMethod: req.PaymentMethod,
			CreatedAt:     s.now(),
		}
		if err := tx.CreateBooking(ctx, &b); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return ErrDuplicateBooking
			}
			return fmt.Errorf("insert booking: %w", err)
		}
		updated, err := s.rewriteSeats(ctx, tx, *ride, append(live, b), ride.Status)
		if err != nil {
			return err
		}
		res = BookingResult{Booking: b, Ride: updated}
		return nil
	})
	if err != nil {
		return BookingResult{}, rideErr(err)
	}

	observability.SeatsBooked.Add(float64(res.Booking.Seats))
	s.publish(ctx, bookingEvent(models.EventBookingCreated, res.Booking, res.Ride, req.PassengerID, ""))
	if res.Ride.Status == models.RideBooked {
		s.publish(ctx, statusEvent(res.Ride, models.RideScheduled, req.PassengerID))
	}
	return res, nil
}

// CancelBooking deletes a booking on behalf of its passenger or the ride's
// driver and returns the seats to the ride.
func (s *Service) CancelBooking(ctx context.Context, bookingID, userID string) (res CancelResult, err error) {
	defer s.observe(ctx, "cancel_booking", time.Now(), &err, "booking_id", bookingID, "user_id", userID)
	if err := requireIDs("booking_id", bookingID, "user_id", userID); err != nil {
		return CancelResult{}, err
	}
	// The ride id is needed to take the lock; the booking is read again inside.
	located, err := s.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return CancelResult{}, bookingErr(err)
	}

	var reason string
	var previous models.RideStatus
	err = s.Store.InTx(ctx, located.RideID, func(tx storage.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return bookingErr(err)
		}
		ride, err := tx.GetRide(ctx, b.RideID)
		if err != nil {
			return err
		}
		switch userID {
		case b.PassengerID:
			reason = models.ReasonPassengerCancelled
		case ride.DriverID:
			reason = models.ReasonDriverCancelled
		default:
			return fmt.Errorf("%w: only the passenger or the driver may cancel", ErrForbidden)
		}
		if !ride.Status.Open() {
			return fmt.Errorf("%w: ride is %s", ErrRideClosed, ride.Status)
		}
		if err := tx.DeleteBooking(ctx, b.ID); err != nil {
			return fmt.Errorf("delete booking: %w", bookingErr(err))
		}
		live, err := tx.ListBookings(ctx, models.BookingFilter{RideID: ride.ID})
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		previous = ride.Status
		updated, err := s.rewriteSeats(ctx, tx, *ride, live, ride.Status)
		if err != nil {
			return err
		}
		res = CancelResult{Booking: *b, Ride: updated}
		return nil
	})
	if err != nil {
		return CancelResult{}, rideErr(err)
	}

	s.publish(ctx, bookingEvent(models.EventBookingCancelled, res.Booking, res.Ride, userID, reason))
	if previous != res.Ride.Status {
		s.publish(ctx, statusEvent(res.Ride, previous, userID))
	}
	return res, nil
}

var transitions = map[models.RideStatus][]models.RideStatus{
	models.RideScheduled:  {models.RideInProgress, models.RideCancelled},
	models.RideBooked:     {models.RideInProgress, models.RideCancelled},
	models.RideInProgress: {models.RideCompleted, models.RideCancelled},
}

// CanTransition reports whether a driver may move a ride from one status to
// another. scheduled and booked are reached only through seat changes.
func CanTransition(from, to models.RideStatus) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionRide moves a ride forward on behalf of its driver. Cancelling a
// ride that still takes bookings removes those bookings in the same
// transaction.
func (s *Service) TransitionRide(ctx context.Context, rideID, userID string, target models.RideStatus) (ride models.Ride, err error) {
	defer s.observe(ctx, "transition_ride", time.Now(), &err, "ride_id", rideID, "user_id", userID, "target", target)
	if err := requireIDs("ride_id", rideID, "user_id", userID); err != nil {
		return models.Ride{}, err
	}
	if !target.Valid() {
		return models.Ride{}, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}

	var previous models.RideStatus
	var dropped []models.Booking
	err = s.Store.InTx(ctx, rideID, func(tx storage.Tx) error {
		current, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		if current.DriverID != userID {
			return fmt.Errorf("%w: only the driver may change ride status", ErrForbidden)
		}
		if !CanTransition(current.Status, target) {
			return &TransitionError{From: current.Status, To: target}
		}
		if target == models.RideInProgress && s.Verifier != nil {
			if err := s.checkVerified(ctx, tx, rideID, userID); err != nil {
				return err
			}
		}
		previous = current.Status

		if target == models.RideCancelled && current.Status.Open() {
			dropped, err = tx.ListBookings(ctx, models.BookingFilter{RideID: rideID})
			if err != nil {
				return fmt.Errorf("list bookings: %w", err)
			}
			for _, b := range dropped {
				if err := tx.DeleteBooking(ctx, b.ID); err != nil {
					return fmt.Errorf("delete booking %s: %w", b.ID, err)
				}
			}
			ride, err = s.rewriteSeats(ctx, tx, *current, nil, target)
			return err
		}

		status := target
		if err := tx.UpdateRide(ctx, rideID, models.RideUpdate{Status: &status}); err != nil {
			return fmt.Errorf("update ride: %w", err)
		}
		ride = current.Clone()
		ride.Status = target
		ride.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return models.Ride{}, rideErr(err)
	}

	ride.DistanceKm = geo.DistanceKm(ride.Origin, ride.Destination)
	for _, b := range dropped {
		s.publish(ctx, bookingEvent(models.EventBookingCancelled, b, ride, userID, models.ReasonRideCancelled))
	}
	s.publish(ctx, statusEvent(ride, previous, userID))
	return ride, nil
}

// HasExistingBooking reports whether the passenger holds a live booking on
// the ride. An unknown ride simply has no bookings.
func (s *Service) HasExistingBooking(ctx context.Context, rideID, passengerID string) (bool, error) {
	if err := requireIDs("ride_id", rideID, "passenger_id", passengerID); err != nil {
		return false, err
	}
	live, err := s.Store.ListBookings(ctx, models.BookingFilter{RideID: rideID, PassengerID: passengerID})
	if err != nil {
		return false, fmt.Errorf("list bookings: %w", err)
	}
	return len(live) > 0, nil
}

// ListBookings shows the driver every booking on the ride and a passenger
// only their own.
func (s *Service) ListBookings(ctx context.Context, rideID, userID string) ([]models.Booking, error) {
	if err := requireIDs("ride_id", rideID, "user_id", userID); err != nil {
		return nil, err
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, rideErr(err)
	}
	f := models.BookingFilter{RideID: rideID}
	if ride.DriverID != userID {
		f.PassengerID = userID
	}
	out, err := s.Store.ListBookings(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return out, nil
}

// checkVerified requires at least one confirmed passenger who still holds
// a booking on the ride. Confirmations outlive cancelled bookings.
func (s *Service) checkVerified(ctx context.Context, tx storage.Tx, rideID, driverID string) error {
	ids, err := s.Verifier.VerifiedPassengers(ctx, rideID, driverID)
	if err != nil {
		return fmt.Errorf("check verification: %w", err)
	}
	if len(ids) == 0 {
		return ErrNotVerified
	}
	bookings, err := tx.ListBookings(ctx, models.BookingFilter{RideID: rideID})
	if err != nil {
		return fmt.Errorf("list bookings: %w", err)
	}
	for _, b := range bookings {
		if slices.Contains(ids, b.PassengerID) {
			return nil
		}
	}
	return ErrNotVerified
}

// RecordVerification stores the driver's confirmation that a booked
// passenger passed the identity check, which unlocks starting the ride.
func (s *Service) RecordVerification(ctx context.Context, rideID, driverID, passengerID string) (err error) {
	defer s.observe(ctx, "record_verification", time.Now(), &err, "ride_id", rideID, "passenger_id", passengerID)
	if err := requireIDs("ride_id", rideID, "driver_id", driverID, "passenger_id", passengerID); err != nil {
		return err
	}
	if s.Verifier == nil {
		return errors.New("verification store not configured")
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return rideErr(err)
	}
	if ride.DriverID != driverID {
		return fmt.Errorf("%w: only the driver may record verification", ErrForbidden)
	}
	if !ride.Status.Open() {
		return fmt.Errorf("%w: ride is %s", ErrRideClosed, ride.Status)
	}
	held, err := s.HasExistingBooking(ctx, rideID, passengerID)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%w: passenger has no booking on this ride", ErrBookingNotFound)
	}
	if err := s.Verifier.MarkVerified(ctx, rideID, driverID, passengerID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// Reconcile recomputes the derived seat state of a ride from its bookings
// and writes it back if it drifted. It reports whether a repair happened.
func (s *Service) Reconcile(ctx context.Context, rideID string) (bool, error) {
	repaired := false
	err := s.Store.InTx(ctx, rideID, func(tx storage.Tx) error {
		ride, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		live, err := tx.ListBookings(ctx, models.BookingFilter{RideID: rideID})
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		available, roster, status := derive(*ride, live, ride.Status)
		if available == ride.AvailableSeats && status == ride.Status && sameMembers(roster, ride.BookedBy) {
			return nil
		}
		s.log().Warn("ride seat state drifted",
			"ride_id", rideID,
			"stored_available", ride.AvailableSeats, "derived_available", available,
			"stored_status", ride.Status, "derived_status", status,
			"stored_booked_by", ride.BookedBy, "derived_booked_by", roster,
		)
		if _, err := s.rewriteSeats(ctx, tx, *ride, live, ride.Status); err != nil {
			return err
		}
		repaired = true
		return nil
	})
	if err != nil {
		return false, rideErr(err)
	}
	if repaired {
		observability.ReconcileRepairsTotal.Inc()
	}
	return repaired, nil
}

// rewriteSeats derives the ride's seat count, roster and status from live
// and writes them in one update.
func (s *Service) rewriteSeats(ctx context.Context, tx storage.Tx, ride models.Ride, live []models.Booking, status models.RideStatus) (models.Ride, error) {
	available, roster, status := derive(ride, live, status)
	u := models.RideUpdate{AvailableSeats: &available, BookedBy: &roster, Status: &status}
	if err := tx.UpdateRide(ctx, ride.ID, u); err != nil {
		return models.Ride{}, fmt.Errorf("update ride: %w", err)
	}
	out := ride.Clone()
	out.Apply(u)
	out.UpdatedAt = s.now()
	return out, nil
}

// derive computes the seat state implied by the live bookings. An open ride
// is booked exactly when no seat is left; other statuses pass through.
func derive(ride models.Ride, live []models.Booking, status models.RideStatus) (int, []string, models.RideStatus) {
	available := ride.CapacitySeats - seatsHeld(live)
	if available < 0 {
		available = 0
	}
	roster := make([]string, 0, len(live))
	for _, b := range live {
		if !slices.Contains(roster, b.PassengerID) {
			roster = append(roster, b.PassengerID)
		}
	}
	if status.Open() {
		if available == 0 {
			status = models.RideBooked
		} else {
			status = models.RideScheduled
		}
	}
	return available, roster, status
}

func seatsHeld(live []models.Booking) int {
	n := 0
	for _, b := range live {
		n += b.Seats
	}
	return n
}

func holdsBooking(live []models.Booking, passengerID string) bool {
	return slices.ContainsFunc(live, func(b models.Booking) bool { return b.PassengerID == passengerID })
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func (s *Service) defaultCurrency() string {
	if s.Currency != "" {
		return strings.ToLower(s.Currency)
	}
	return "usd"
}

func rideErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrRideNotFound
	}
	return err
}

func bookingErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrBookingNotFound
	}
	return err
}

func bookingEvent(t models.EventType, b models.Booking, ride models.Ride, actorID, reason string) models.Event {
	snapshot := ride.Clone()
	return models.Event{
		Type:          t,
		RideID:        ride.ID,
		BookingID:     b.ID,
		DriverID:      ride.DriverID,
		PassengerID:   b.PassengerID,
		ActorID:       actorID,
		Seats:         b.Seats,
		PaymentMethod: b.PaymentMethod,
		PaymentRef:    b.PaymentRef,
		AmountCents:   int64(b.Seats) * ride.PricePerSeatCents,
		Currency:      ride.Currency,
		Status:        ride.Status,
		Reason:        reason,
		Ride:          &snapshot,
	}
}

func statusEvent(ride models.Ride, previous models.RideStatus, actorID string) models.Event {
	snapshot := ride.Clone()
	return models.Event{
		Type:           models.EventRideStatusChanged,
		RideID:         ride.ID,
		DriverID:       ride.DriverID,
		ActorID:        actorID,
		Status:         ride.Status,
		PreviousStatus: previous,
		Ride:           &snapshot,
	}
}

func (s *Service) publish(ctx context.Context, ev models.Event) {
	if s.Events == nil {
		return
	}
	ev.ID = s.newID()
	ev.OccurredAt = s.now()
	s.Events.Publish(ctx, ev)
}

func (s *Service) observe(ctx context.Context, op string, start time.Time, errp *error, attrs ...any) {
	err := *errp
	kind := Kind(err)
	observability.LifecycleOpsTotal.WithLabelValues(op, kind).Inc()
	observability.LifecycleLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	attrs = append(attrs, "op", op, "duration_ms", time.Since(start).Milliseconds())
	switch {
	case err == nil:
		s.log().DebugContext(ctx, "lifecycle op", attrs...)
	case IsRejection(err):
		s.log().WarnContext(ctx, "lifecycle op rejected", append(attrs, "reason", kind, "error", err.Error())...)
	default:
		s.log().ErrorContext(ctx, "lifecycle op failed", append(attrs, "error", err.Error())...)
	}
}
