package models

import "time"

type EventType string

const (
	EventRideCreated       EventType = "ride.created"
	EventBookingCreated    EventType = "booking.created"
	EventBookingCancelled  EventType = "booking.cancelled"
	EventRideStatusChanged EventType = "ride.status_changed"
)

// Cancellation reasons carried on booking.cancelled events.
const (
	ReasonPassengerCancelled = "passenger_cancelled"
	ReasonDriverCancelled    = "driver_cancelled"
	ReasonRideCancelled      = "ride_cancelled"
)

// Event is emitted after a lifecycle operation commits. Ride holds the
// authoritative ride state as of that commit.
type Event struct {
	ID             string     `json:"id"`
	Type           EventType  `json:"type"`
	RideID         string     `json:"ride_id"`
	BookingID      string     `json:"booking_id,omitempty"`
	DriverID       string     `json:"driver_id"`
	PassengerID    string     `json:"passenger_id,omitempty"`
	ActorID        string     `json:"actor_id"`
	Seats          int        `json:"seats,omitempty"`
	PaymentMethod  string     `json:"payment_method,omitempty"`
	PaymentRef     string     `json:"payment_ref,omitempty"`
	AmountCents    int64      `json:"amount_cents,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	Status         RideStatus `json:"status,omitempty"`
	PreviousStatus RideStatus `json:"previous_status,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Ride           *Ride      `json:"ride,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}
