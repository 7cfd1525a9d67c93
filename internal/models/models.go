package models

import (
	"slices"
	"time"
)

// RideStatus is the forward-only lifecycle state of a ride.
type RideStatus string

const (
	RideScheduled  RideStatus = "scheduled"
	RideBooked     RideStatus = "booked"
	RideInProgress RideStatus = "in-progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

func (s RideStatus) Valid() bool {
	switch s {
	case RideScheduled, RideBooked, RideInProgress, RideCompleted, RideCancelled:
		return true
	}
	return false
}

// Open reports whether bookings on the ride may still be created or cancelled.
// A booked ride is open: it only lacks free seats.
func (s RideStatus) Open() bool { return s == RideScheduled || s == RideBooked }

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

type Location struct {
	Address string   `json:"address"`
	City    string   `json:"city"`
	State   *string  `json:"state,omitempty"`
	Country *string  `json:"country,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

type Vehicle struct {
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year,omitempty"`
	Color string `json:"color,omitempty"`
	Plate string `json:"plate,omitempty"`
}

// Ride is a driver-offered trip. CapacitySeats never changes after creation;
// AvailableSeats and BookedBy are derived from the live bookings and rewritten
// in the same transaction as every booking change.
type Ride struct {
	ID                string     `json:"id"`
	DriverID          string     `json:"driver_id"`
	Origin            Location   `json:"origin"`
	Destination       Location   `json:"destination"`
	Date              string     `json:"date"`
	Time              string     `json:"time"`
	CapacitySeats     int        `json:"capacity_seats"`
	AvailableSeats    int        `json:"available_seats"`
	PricePerSeatCents int64      `json:"price_per_seat_cents"`
	Currency          string     `json:"currency"`
	Status            RideStatus `json:"status"`
	Vehicle           *Vehicle   `json:"vehicle,omitempty"`
	Description       string     `json:"description,omitempty"`
	BookedBy          []string   `json:"booked_by"`
	DistanceKm        *float64   `json:"distance_km,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Ride) Clone() Ride {
	c := r
	c.BookedBy = slices.Clone(r.BookedBy)
	if c.BookedBy == nil {
		c.BookedBy = []string{}
	}
	if r.Vehicle != nil {
		v := *r.Vehicle
		c.Vehicle = &v
	}
	return c
}

// Apply merges a partial update into the ride.
func (r *Ride) Apply(u RideUpdate) {
	if u.AvailableSeats != nil {
		r.AvailableSeats = *u.AvailableSeats
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.BookedBy != nil {
		r.BookedBy = slices.Clone(*u.BookedBy)
	}
}

// RideUpdate carries the fields a single UpdateRide call writes together.
// Nil fields are left untouched.
type RideUpdate struct {
	AvailableSeats *int
	Status         *RideStatus
	BookedBy       *[]string
}

func (u RideUpdate) Empty() bool {
	return u.AvailableSeats == nil && u.Status == nil && u.BookedBy == nil
}

type Booking struct {
	ID            string    `json:"id"`
	RideID        string    `json:"ride_id"`
	PassengerID   string    `json:"passenger_id"`
	Seats         int       `json:"seats"`
	ContactPhone  string    `json:"contact_phone,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	PaymentRef    string    `json:"payment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type RideFilter struct {
	DriverID string
	Statuses []RideStatus
	DateFrom string // inclusive, YYYY-MM-DD
	DateTo   string // inclusive, YYYY-MM-DD
	Limit    int
}

// Match applies the filter to an in-memory ride.
func (f RideFilter) Match(r Ride) bool {
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if f.DateFrom != "" && r.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && r.Date > f.DateTo {
		return false
	}
	return true
}

type BookingFilter struct {
	RideID      string
	PassengerID string
}

func (f BookingFilter) Match(b Booking) bool {
	if f.RideID != "" && b.RideID != f.RideID {
		return false
	}
	if f.PassengerID != "" && b.PassengerID != f.PassengerID {
		return false
	}
	return true
}

// Contact is how a user is reached by notifications.
type Contact struct {
	UserID string
	Name   string
	Email  string
}
