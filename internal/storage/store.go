package storage

import (
	"context"
	"errors"

	"github.com/example/ride-share/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness rule,
	// such as a second booking for the same ride and passenger.
	ErrConflict = errors.New("conflict")
)

// RideStore is the persistence facade for rides. It carries no business rules.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRide writes every non-nil field of u in one statement.
	UpdateRide(ctx context.Context, id string, u models.RideUpdate) error
	ListRides(ctx context.Context, f models.RideFilter) ([]models.Ride, error)
}

// BookingStore is the persistence facade for bookings.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	DeleteBooking(ctx context.Context, id string) error
	ListBookings(ctx context.Context, f models.BookingFilter) ([]models.Booking, error)
	SetPaymentRef(ctx context.Context, bookingID, ref string) error
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	RideStore
	BookingStore
}

type Store interface {
	Tx
	// InTx runs fn with the ride row locked. Everything written through the Tx
	// commits when fn returns nil and is discarded otherwise. An empty rideID
	// runs fn without taking a row lock. InTx returns ErrNotFound if the ride
	// does not exist.
	InTx(ctx context.Context, rideID string, fn func(tx Tx) error) error
	Close() error
}
