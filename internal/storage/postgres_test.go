package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-share/internal/models"
)

func setupMockDB(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(mockDB, "sqlmock")), mock
}

var rideCols = []string{
	"id", "driver_id",
	"origin_address", "origin_city", "origin_state", "origin_country", "origin_lat", "origin_lng",
	"dest_address", "dest_city", "dest_state", "dest_country", "dest_lat", "dest_lng",
	"ride_date", "ride_time",
	"capacity_seats", "available_seats", "price_per_seat_cents", "currency", "status",
	"vehicle_make", "vehicle_model", "vehicle_year", "vehicle_color", "vehicle_plate",
	"description", "booked_by", "created_at", "updated_at",
}

func TestPostgresGetRide(t *testing.T) {
	store, mock := setupMockDB(t)
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(rideCols).AddRow(
			"r1", "d1",
			"1 Main St", "Springfield", "IL", nil, 39.78, -89.65,
			"9 Oak Ave", "Chicago", nil, nil, nil, nil,
			"2026-05-02", "09:30",
			4, 1, 1250, "usd", "scheduled",
			"Toyota", "Prius", 2020, nil, nil,
			"", "{p1,p2}", now, now,
		))

	ride, err := store.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "d1", ride.DriverID)
	assert.Equal(t, 4, ride.CapacitySeats)
	assert.Equal(t, 1, ride.AvailableSeats)
	assert.Equal(t, []string{"p1", "p2"}, ride.BookedBy)
	assert.Equal(t, models.RideScheduled, ride.Status)
	require.NotNil(t, ride.Origin.State)
	assert.Equal(t, "IL", *ride.Origin.State)
	assert.Nil(t, ride.Origin.Country)
	require.NotNil(t, ride.Vehicle)
	assert.Equal(t, 2020, ride.Vehicle.Year)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRide_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(rideCols))

	_, err := store.GetRide(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresInTx_LocksRideAndCommits(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM rides WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bookings")).
		WithArgs("b1", "r1", "p1", 2, "", "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides SET available_seats = $1, booked_by = $2, updated_at = now() WHERE id = $3")).
		WithArgs(2, sqlmock.AnyArg(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	seats := 2
	roster := []string{"p1"}
	err := store.InTx(context.Background(), "r1", func(tx Tx) error {
		if err := tx.CreateBooking(context.Background(), &models.Booking{ID: "b1", RideID: "r1", PassengerID: "p1", Seats: 2, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.UpdateRide(context.Background(), "r1", models.RideUpdate{AvailableSeats: &seats, BookedBy: &roster})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInTx_UniqueViolationRollsBack(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bookings")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "bookings_ride_passenger_key"})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), "r1", func(tx Tx) error {
		return tx.CreateBooking(context.Background(), &models.Booking{ID: "b2", RideID: "r1", PassengerID: "p1", Seats: 1})
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInTx_MissingRide(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	called := false
	err := store.InTx(context.Background(), "nope", func(tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInTx_CallbackErrorRollsBack(t *testing.T) {
	store, mock := setupMockDB(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), "", func(tx Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteBooking_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM bookings WHERE id = $1")).
		WithArgs("b9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.DeleteBooking(context.Background(), "b9"), ErrNotFound)
}

func TestPostgresListRides_BuildsFilter(t *testing.T) {
	store, mock := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE driver_id = $1 AND status = ANY($2) ORDER BY ride_date, ride_time, created_at LIMIT $3")).
		WithArgs("d1", sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows(rideCols).AddRow(
			"r1", "d1",
			"a", "A", nil, nil, nil, nil,
			"b", "B", nil, nil, nil, nil,
			"2026-05-02", "09:30",
			3, 3, 500, "usd", "scheduled",
			nil, nil, nil, nil, nil,
			"", "{}", now, now,
		))

	rides, err := store.ListRides(context.Background(), models.RideFilter{
		DriverID: "d1",
		Statuses: []models.RideStatus{models.RideScheduled, models.RideBooked},
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Empty(t, rides[0].BookedBy)
	assert.NotNil(t, rides[0].BookedBy)
	assert.Nil(t, rides[0].Vehicle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookupContact(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, email FROM users WHERE id = $1")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}).AddRow("p1", "Pat", "pat@example.com"))

	c, err := store.LookupContact(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "pat@example.com", c.Email)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}))
	_, err = store.LookupContact(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
