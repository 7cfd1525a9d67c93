package booking

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/example/ride-share/internal/models"
)

// checkInvariants asserts the seat state stored on the ride agrees with its
// live bookings.
func checkInvariants(t *testing.T, f *fixture, rideID string) {
	t.Helper()
	ctx := context.Background()
	ride, err := f.store.GetRide(ctx, rideID)
	if err != nil {
		t.Fatal(err)
	}
	live, err := f.store.ListBookings(ctx, models.BookingFilter{RideID: rideID})
	if err != nil {
		t.Fatal(err)
	}
	if ride.AvailableSeats < 0 || ride.AvailableSeats > ride.CapacitySeats {
		t.Fatalf("available seats %d out of [0,%d]", ride.AvailableSeats, ride.CapacitySeats)
	}
	sum := 0
	var passengers []string
	for _, b := range live {
		sum += b.Seats
		if !slices.Contains(passengers, b.PassengerID) {
			passengers = append(passengers, b.PassengerID)
		}
	}
	if sum != ride.CapacitySeats-ride.AvailableSeats {
		t.Fatalf("booked seats %d != capacity %d - available %d", sum, ride.CapacitySeats, ride.AvailableSeats)
	}
	if !sameMembers(passengers, ride.BookedBy) {
		t.Fatalf("booked_by %v != passengers %v", ride.BookedBy, passengers)
	}
	if ride.Status.Open() && (ride.AvailableSeats == 0) != (ride.Status == models.RideBooked) {
		t.Fatalf("status %s with %d seats left", ride.Status, ride.AvailableSeats)
	}
}

func TestRandomBookingSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			f := newFixture(t)
			capacity := 1 + rng.Intn(6)
			ride := f.ride(t, "driver", capacity)
			ctx := context.Background()
			held := map[string]string{} // passenger -> booking id

			for step := 0; step < 60; step++ {
				p := fmt.Sprintf("p%d", rng.Intn(6))
				if id, ok := held[p]; ok && rng.Intn(2) == 0 {
					actor := p
					if rng.Intn(3) == 0 {
						actor = "driver"
					}
					if _, err := f.svc.CancelBooking(ctx, id, actor); err != nil {
						t.Fatalf("cancel: %v", err)
					}
					delete(held, p)
				} else {
					res, err := f.svc.CreateBooking(ctx, BookingRequest{RideID: ride.ID, PassengerID: p, Seats: 1 + rng.Intn(3)})
					switch {
					case err == nil:
						held[p] = res.Booking.ID
					case IsRejection(err):
					default:
						t.Fatalf("create: %v", err)
					}
				}
				checkInvariants(t, f, ride.ID)
			}
		})
	}
}
