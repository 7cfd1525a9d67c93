package booking

import (
	"errors"
	"fmt"

	"github.com/example/ride-share/internal/models"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrOwnRide           = errors.New("drivers cannot book their own ride")
	ErrForbidden         = errors.New("not allowed")
	ErrRideNotFound      = errors.New("ride not found")
	ErrBookingNotFound   = errors.New("booking not found")
	ErrInsufficientSeats = errors.New("not enough seats")
	ErrDuplicateBooking  = errors.New("passenger already holds a booking on this ride")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotVerified       = errors.New("ride has not been verified")
	ErrRideClosed        = errors.New("ride is not open for bookings")
)

// CapacityError reports how many seats were actually left.
type CapacityError struct {
	Requested int
	Remaining int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("only %d seat(s) left, %d requested", e.Remaining, e.Requested)
}

func (e *CapacityError) Unwrap() error { return ErrInsufficientSeats }

type TransitionError struct {
	From models.RideStatus
	To   models.RideStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move ride from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Kind names the class of a lifecycle error for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrOwnRide):
		return "own_ride"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRideNotFound), errors.Is(err, ErrBookingNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientSeats):
		return "capacity"
	case errors.Is(err, ErrDuplicateBooking):
		return "duplicate"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrNotVerified):
		return "not_verified"
	case errors.Is(err, ErrRideClosed):
		return "closed"
	}
	return "error"
}

// IsRejection reports whether err is a business rule rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	k := Kind(err)
	return k != "ok" && k != "error"
}
