package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-share/internal/logging"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/storage"
)

// recorder implements EventPublisher for tests
type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeVerifier struct {
	verified map[string][]string
	err      error
}

func (f *fakeVerifier) VerifiedPassengers(_ context.Context, rideID, driverID string) ([]string, error) {
	return f.verified[rideID+"/"+driverID], f.err
}

func (f *fakeVerifier) MarkVerified(_ context.Context, rideID, driverID, passengerID string) error {
	if f.verified == nil {
		f.verified = map[string][]string{}
	}
	k := rideID + "/" + driverID
	f.verified[k] = append(f.verified[k], passengerID)
	return f.err
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	events   *recorder
	verifier *fakeVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	events := &recorder{}
	verifier := &fakeVerifier{}
	n := 0
	var mu sync.Mutex
	svc := &Service{
		Store:    store,
		Verifier: verifier,
		Events:   events,
		Logger:   logging.Discard(),
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%03d", n)
		},
	}
	return &fixture{svc: svc, store: store, events: events, verifier: verifier}
}

func rideInput(seats int) RideInput {
	return RideInput{
		Origin:            LocationInput{Address: "1 Main St", City: "Springfield"},
		Destination:       LocationInput{Address: "9 Oak Ave", City: "Shelbyville"},
		Date:              "2026-03-10",
		Time:              "08:30",
		Seats:             seats,
		PricePerSeatCents: 1500,
	}
}

func (f *fixture) ride(t *testing.T, driverID string, seats int) models.Ride {
	t.Helper()
	r, err := f.svc.CreateRide(context.Background(), driverID, rideInput(seats))
	require.NoError(t, err)
	f.events.reset()
	return r
}

func (f *fixture) book(t *testing.T, rideID, passengerID string, seats int) BookingResult {
	t.Helper()
	res, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: rideID, PassengerID: passengerID, Seats: seats})
	require.NoError(t, err)
	return res
}

func (f *fixture) stored(t *testing.T, rideID string) models.Ride {
	t.Helper()
	r, err := f.store.GetRide(context.Background(), rideID)
	require.NoError(t, err)
	return *r
}

func TestCreateRide(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.CreateRide(context.Background(), "driver", rideInput(3))
	require.NoError(t, err)
	assert.Equal(t, models.RideScheduled, r.Status)
	assert.Equal(t, 3, r.CapacitySeats)
	assert.Equal(t, 3, r.AvailableSeats)
	assert.Empty(t, r.BookedBy)
	assert.Equal(t, "usd", r.Currency)
	assert.Equal(t, []models.EventType{models.EventRideCreated}, f.events.types())
}

func TestCreateRide_Validation(t *testing.T) {
	f := newFixture(t)
	in := rideInput(0)
	in.Date = "10/03/2026"
	_, err := f.svc.CreateRide(context.Background(), "driver", in)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "seats")
	assert.Contains(t, err.Error(), "date")

	_, err = f.svc.CreateRide(context.Background(), "", rideInput(2))
	assert.ErrorIs(t, err, ErrValidation)
}

// Scenarios 1 and 2: fill a ride, then free seats again.
func TestBookingFillsAndFreesRide(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)

	resA := f.book(t, ride.ID, "A", 2)
	assert.Equal(t, 1, resA.Ride.AvailableSeats)
	assert.Equal(t, []string{"A"}, resA.Ride.BookedBy)
	assert.Equal(t, models.RideScheduled, resA.Ride.Status)

	resB := f.book(t, ride.ID, "B", 1)
	assert.Equal(t, 0, resB.Ride.AvailableSeats)
	assert.ElementsMatch(t, []string{"A", "B"}, resB.Ride.BookedBy)
	assert.Equal(t, models.RideBooked, resB.Ride.Status)
	assert.Equal(t, models.RideBooked, f.stored(t, ride.ID).Status)

	cancel, err := f.svc.CancelBooking(context.Background(), resA.Booking.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, cancel.Ride.AvailableSeats)
	assert.Equal(t, []string{"B"}, cancel.Ride.BookedBy)
	assert.Equal(t, models.RideScheduled, cancel.Ride.Status)

	got := f.stored(t, ride.ID)
	assert.Equal(t, 2, got.AvailableSeats)
	assert.Equal(t, []string{"B"}, got.BookedBy)
	assert.Equal(t, models.RideScheduled, got.Status)
	assert.Equal(t, 3, got.CapacitySeats)

	assert.Equal(t, []models.EventType{
		models.EventBookingCreated,
		models.EventBookingCreated,
		models.EventRideStatusChanged,
		models.EventBookingCancelled,
		models.EventRideStatusChanged,
	}, f.events.types())
}

// Scenario 3.
func TestDriverCannotBookOwnRide(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	_, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: "driver", Seats: 1})
	assert.ErrorIs(t, err, ErrOwnRide)
	assert.Equal(t, 3, f.stored(t, ride.ID).AvailableSeats)
	assert.Empty(t, f.events.types())
}

// Scenario 4.
func TestCapacityRejectionNamesRemainingSeats(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	f.book(t, ride.ID, "B", 2)

	_, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: "A", Seats: 2})
	require.ErrorIs(t, err, ErrInsufficientSeats)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Remaining)
	assert.Equal(t, 2, capErr.Requested)
	assert.Equal(t, 1, f.stored(t, ride.ID).AvailableSeats)
}

// Scenario 5.
func TestDuplicateBookingRejected(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 4)
	f.book(t, ride.ID, "A", 1)

	_, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: "A", Seats: 1})
	assert.ErrorIs(t, err, ErrDuplicateBooking)

	list, err := f.store.ListBookings(context.Background(), models.BookingFilter{RideID: ride.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 3, f.stored(t, ride.ID).AvailableSeats)
}

func TestCreateBooking_ValidationAndMissingRide(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 2)
	ctx := context.Background()

	_, err := f.svc.CreateBooking(ctx, BookingRequest{RideID: ride.ID, PassengerID: "A", Seats: 0})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreateBooking(ctx, BookingRequest{RideID: ride.ID, PassengerID: "A", Seats: 1, PaymentMethod: "bitcoin"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.CreateBooking(ctx, BookingRequest{RideID: "nope", PassengerID: "A", Seats: 1})
	assert.ErrorIs(t, err, ErrRideNotFound)
}

func TestBookingLastSeatOnBookedRideIsCapacityError(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 1)
	f.book(t, ride.ID, "A", 1)
	_, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: "B", Seats: 1})
	assert.ErrorIs(t, err, ErrInsufficientSeats)
}

func TestRoundTripRestoresRide(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 2)
	f.book(t, ride.ID, "B", 1)
	before := f.stored(t, ride.ID)

	res := f.book(t, ride.ID, "A", 1)
	assert.Equal(t, models.RideBooked, res.Ride.Status)
	_, err := f.svc.CancelBooking(context.Background(), res.Booking.ID, "A")
	require.NoError(t, err)

	after := f.stored(t, ride.ID)
	assert.Equal(t, before.AvailableSeats, after.AvailableSeats)
	assert.Equal(t, before.BookedBy, after.BookedBy)
	assert.Equal(t, before.Status, after.Status)
}

func TestCancelBooking_Authorization(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	res := f.book(t, ride.ID, "A", 1)
	ctx := context.Background()

	_, err := f.svc.CancelBooking(ctx, res.Booking.ID, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 2, f.stored(t, ride.ID).AvailableSeats)

	out, err := f.svc.CancelBooking(ctx, res.Booking.ID, "driver")
	require.NoError(t, err)
	assert.Equal(t, 3, out.Ride.AvailableSeats)

	f.events.mu.Lock()
	last := f.events.events[len(f.events.events)-1]
	f.events.mu.Unlock()
	assert.Equal(t, models.ReasonDriverCancelled, last.Reason)

	_, err = f.svc.CancelBooking(ctx, res.Booking.ID, "A")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestCancelBooking_ClosedRide(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	res := f.book(t, ride.ID, "A", 1)
	f.verifier.verified = map[string][]string{ride.ID + "/driver": {"A"}}
	_, err := f.svc.TransitionRide(context.Background(), ride.ID, "driver", models.RideInProgress)
	require.NoError(t, err)

	_, err = f.svc.CancelBooking(context.Background(), res.Booking.ID, "A")
	assert.ErrorIs(t, err, ErrRideClosed)
}

// Scenario 6 and the rest of the transition table.
func TestTransitionTable(t *testing.T) {
	all := []models.RideStatus{models.RideScheduled, models.RideBooked, models.RideInProgress, models.RideCompleted, models.RideCancelled}
	allowed := map[[2]models.RideStatus]bool{
		{models.RideScheduled, models.RideInProgress}: true,
		{models.RideScheduled, models.RideCancelled}:  true,
		{models.RideBooked, models.RideInProgress}:    true,
		{models.RideBooked, models.RideCancelled}:     true,
		{models.RideInProgress, models.RideCompleted}: true,
		{models.RideInProgress, models.RideCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]models.RideStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestScheduledCannotComplete(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	_, err := f.svc.TransitionRide(context.Background(), ride.ID, "driver", models.RideCompleted)
	require.ErrorIs(t, err, ErrIllegalTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.RideScheduled, te.From)
	assert.Equal(t, models.RideScheduled, f.stored(t, ride.ID).Status)
}

func TestStartRequiresVerification(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	f.book(t, ride.ID, "A", 1)
	ctx := context.Background()

	_, err := f.svc.TransitionRide(ctx, ride.ID, "driver", models.RideInProgress)
	assert.ErrorIs(t, err, ErrNotVerified)

	require.NoError(t, f.svc.RecordVerification(ctx, ride.ID, "driver", "A"))
	started, err := f.svc.TransitionRide(ctx, ride.ID, "driver", models.RideInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.RideInProgress, started.Status)

	done, err := f.svc.TransitionRide(ctx, ride.ID, "driver", models.RideCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, done.Status)

	_, err = f.svc.TransitionRide(ctx, ride.ID, "driver", models.RideCancelled)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestStartIgnoresVerifiedPassengerWhoCancelled(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	a := f.book(t, ride.ID, "A", 1)
	f.book(t, ride.ID, "B", 1)
	ctx := context.Background()

	require.NoError(t, f.svc.RecordVerification(ctx, ride.ID, "driver", "A"))
	_, err := f.svc.CancelBooking(ctx, a.Booking.ID, "A")
	require.NoError(t, err)

	_, err = f.svc.TransitionRide(ctx, ride.ID, "driver", models.RideInProgress)
	assert.ErrorIs(t, err, ErrNotVerified)
	assert.Equal(t, models.RideScheduled, f.stored(t, ride.ID).Status)

	require.NoError(t, f.svc.RecordVerification(ctx, ride.ID, "driver", "B"))
	started, err := f.svc.TransitionRide(ctx, ride.ID, "driver", models.RideInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.RideInProgress, started.Status)
}

func TestVerificationErrorsBlockStart(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	f.verifier.err = errors.New("redis down")
	_, err := f.svc.TransitionRide(context.Background(), ride.ID, "driver", models.RideInProgress)
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Equal(t, models.RideScheduled, f.stored(t, ride.ID).Status)
}

func TestRecordVerification_Rules(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.RecordVerification(ctx, ride.ID, "A", "A"), ErrForbidden)
	assert.ErrorIs(t, f.svc.RecordVerification(ctx, ride.ID, "driver", "A"), ErrBookingNotFound)
	assert.ErrorIs(t, f.svc.RecordVerification(ctx, "nope", "driver", "A"), ErrRideNotFound)
}

func TestOnlyDriverTransitions(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	_, err := f.svc.TransitionRide(context.Background(), ride.ID, "A", models.RideCancelled)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.TransitionRide(context.Background(), ride.ID, "driver", "flying")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCancelRideCascadesBookings(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	f.book(t, ride.ID, "A", 2)
	f.book(t, ride.ID, "B", 1)
	f.events.reset()

	out, err := f.svc.TransitionRide(context.Background(), ride.ID, "driver", models.RideCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, out.Status)
	assert.Equal(t, 3, out.AvailableSeats)
	assert.Empty(t, out.BookedBy)

	list, _ := f.store.ListBookings(context.Background(), models.BookingFilter{RideID: ride.ID})
	assert.Empty(t, list)
	assert.Equal(t, []models.EventType{
		models.EventBookingCancelled,
		models.EventBookingCancelled,
		models.EventRideStatusChanged,
	}, f.events.types())
	f.events.mu.Lock()
	for _, ev := range f.events.events[:2] {
		assert.Equal(t, models.ReasonRideCancelled, ev.Reason)
	}
	assert.Equal(t, models.RideBooked, f.events.events[2].PreviousStatus)
	f.events.mu.Unlock()

	_, err = f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: "C", Seats: 1})
	assert.ErrorIs(t, err, ErrRideClosed)
}

func TestHasExistingBookingAndListBookings(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 4)
	f.book(t, ride.ID, "A", 1)
	f.book(t, ride.ID, "B", 2)
	ctx := context.Background()

	ok, err := f.svc.HasExistingBooking(ctx, ride.ID, "A")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.svc.HasExistingBooking(ctx, ride.ID, "C")
	assert.False(t, ok)
	ok, _ = f.svc.HasExistingBooking(ctx, "nope", "A")
	assert.False(t, ok)

	all, err := f.svc.ListBookings(ctx, ride.ID, "driver")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	mine, err := f.svc.ListBookings(ctx, ride.ID, "B")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "B", mine[0].PassengerID)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 3)
	f.book(t, ride.ID, "A", 2)
	ctx := context.Background()

	// simulate a hand-edited row
	seats := 3
	roster := []string{"ghost"}
	require.NoError(t, f.store.UpdateRide(ctx, ride.ID, models.RideUpdate{AvailableSeats: &seats, BookedBy: &roster}))

	repaired, err := f.svc.Reconcile(ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, repaired)
	got := f.stored(t, ride.ID)
	assert.Equal(t, 1, got.AvailableSeats)
	assert.Equal(t, []string{"A"}, got.BookedBy)

	repaired, err = f.svc.Reconcile(ctx, ride.ID)
	require.NoError(t, err)
	assert.False(t, repaired)
}

func TestConcurrentBookingsNeverOversell(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: fmt.Sprintf("p%d", i), Seats: 1})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientSeats)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	got := f.stored(t, ride.ID)
	assert.Equal(t, 0, got.AvailableSeats)
	assert.Equal(t, models.RideBooked, got.Status)
	assert.Len(t, got.BookedBy, 5)
}

func TestConcurrentDuplicateSubmissionsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ride := f.ride(t, "driver", 5)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateBooking(context.Background(), BookingRequest{RideID: ride.ID, PassengerID: "A", Seats: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateBooking)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, f.stored(t, ride.ID).AvailableSeats)
}

func TestListRides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := rideInput(1)
	lat1, lng1, lat2, lng2 := 40.0, -74.0, 40.1, -74.1
	in.Origin.Lat, in.Origin.Lng = &lat1, &lng1
	in.Destination.Lat, in.Destination.Lng = &lat2, &lng2
	withCoords, err := f.svc.CreateRide(ctx, "d1", in)
	require.NoError(t, err)
	full := f.ride(t, "d2", 1)
	f.book(t, full.ID, "p1", 1)

	rides, err := f.svc.ListRides(ctx, models.RideFilter{Statuses: []models.RideStatus{models.RideScheduled}})
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, withCoords.ID, rides[0].ID)
	require.NotNil(t, rides[0].DistanceKm)
	assert.Greater(t, *rides[0].DistanceKm, 10.0)

	rides, err = f.svc.ListRides(ctx, models.RideFilter{DriverID: "d2"})
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, models.RideBooked, rides[0].Status)
	assert.Nil(t, rides[0].DistanceKm)

	_, err = f.svc.ListRides(ctx, models.RideFilter{Statuses: []models.RideStatus{"parked"}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ListRides(ctx, models.RideFilter{DateFrom: "2026/03/01"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ListRides(ctx, models.RideFilter{DateTo: "soon"})
	assert.ErrorIs(t, err, ErrValidation)
}
