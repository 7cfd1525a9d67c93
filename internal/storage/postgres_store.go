package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-share/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	pgQueries
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)
	// quick ping
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}
}

func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// InTx locks the ride row with SELECT ... FOR UPDATE so concurrent lifecycle
// operations on the same ride run one after another.
func (p *PostgresStore) InTx(ctx context.Context, rideID string, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rideID != "" {
		var id string
		if err := tx.GetContext(ctx, &id, `SELECT id FROM rides WHERE id = $1 FOR UPDATE`, rideID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock ride %s: %w", rideID, err)
		}
	}
	if err := fn(pgQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LookupContact resolves a user's notification address.
func (p *PostgresStore) LookupContact(ctx context.Context, userID string) (models.Contact, error) {
	var row struct {
		ID    string `db:"id"`
		Name  string `db:"name"`
		Email string `db:"email"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT id, name, email FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Contact{}, ErrNotFound
	}
	if err != nil {
		return models.Contact{}, err
	}
	return models.Contact{UserID: row.ID, Name: row.Name, Email: row.Email}, nil
}

// pgQueries runs against either the pool or an open transaction.
type pgQueries struct {
	q sqlx.ExtContext
}

const rideColumns = `id, driver_id,
	origin_address, origin_city, origin_state, origin_country, origin_lat, origin_lng,
	dest_address, dest_city, dest_state, dest_country, dest_lat, dest_lng,
	to_char(ride_date, 'YYYY-MM-DD') AS ride_date, ride_time,
	capacity_seats, available_seats, price_per_seat_cents, currency, status,
	vehicle_make, vehicle_model, vehicle_year, vehicle_color, vehicle_plate,
	description, booked_by, created_at, updated_at`

type rideRow struct {
	ID                string          `db:"id"`
	DriverID          string          `db:"driver_id"`
	OriginAddress     string          `db:"origin_address"`
	OriginCity        string          `db:"origin_city"`
	OriginState       sql.NullString  `db:"origin_state"`
	OriginCountry     sql.NullString  `db:"origin_country"`
	OriginLat         sql.NullFloat64 `db:"origin_lat"`
	OriginLng         sql.NullFloat64 `db:"origin_lng"`
	DestAddress       string          `db:"dest_address"`
	DestCity          string          `db:"dest_city"`
	DestState         sql.NullString  `db:"dest_state"`
	DestCountry       sql.NullString  `db:"dest_country"`
	DestLat           sql.NullFloat64 `db:"dest_lat"`
	DestLng           sql.NullFloat64 `db:"dest_lng"`
	RideDate          string          `db:"ride_date"`
	RideTime          string          `db:"ride_time"`
	CapacitySeats     int             `db:"capacity_seats"`
	AvailableSeats    int             `db:"available_seats"`
	PricePerSeatCents int64           `db:"price_per_seat_cents"`
	Currency          string          `db:"currency"`
	Status            string          `db:"status"`
	VehicleMake       sql.NullString  `db:"vehicle_make"`
	VehicleModel      sql.NullString  `db:"vehicle_model"`
	VehicleYear       sql.NullInt64   `db:"vehicle_year"`
	VehicleColor      sql.NullString  `db:"vehicle_color"`
	VehiclePlate      sql.NullString  `db:"vehicle_plate"`
	Description       string          `db:"description"`
	BookedBy          pq.StringArray  `db:"booked_by"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r rideRow) toModel() models.Ride {
	ride := models.Ride{
		ID:       r.ID,
		DriverID: r.DriverID,
		Origin: models.Location{
			Address: r.OriginAddress,
			City:    r.OriginCity,
			State:   nullString(r.OriginState),
			Country: nullString(r.OriginCountry),
			Lat:     nullFloat(r.OriginLat),
			Lng:     nullFloat(r.OriginLng),
		},
		Destination: models.Location{
			Address: r.DestAddress,
			City:    r.DestCity,
			State:   nullString(r.DestState),
			Country: nullString(r.DestCountry),
			Lat:     nullFloat(r.DestLat),
			Lng:     nullFloat(r.DestLng),
		},
		Date:              r.RideDate,
		Time:              r.RideTime,
		CapacitySeats:     r.CapacitySeats,
		AvailableSeats:    r.AvailableSeats,
		PricePerSeatCents: r.PricePerSeatCents,
		Currency:          r.Currency,
		Status:            models.RideStatus(r.Status),
		Description:       r.Description,
		BookedBy:          []string(r.BookedBy),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if ride.BookedBy == nil {
		ride.BookedBy = []string{}
	}
	if r.VehicleMake.Valid || r.VehicleModel.Valid {
		ride.Vehicle = &models.Vehicle{
			Make:  r.VehicleMake.String,
			Model: r.VehicleModel.String,
			Year:  int(r.VehicleYear.Int64),
			Color: r.VehicleColor.String,
			Plate: r.VehiclePlate.String,
		}
	}
	return ride
}

func (p pgQueries) CreateRide(ctx context.Context, r *models.Ride) error {
	var make_, model, color, plate sql.NullString
	var year sql.NullInt64
	if v := r.Vehicle; v != nil {
		make_ = sql.NullString{String: v.Make, Valid: true}
		model = sql.NullString{String: v.Model, Valid: true}
		year = sql.NullInt64{Int64: int64(v.Year), Valid: v.Year > 0}
		color = sql.NullString{String: v.Color, Valid: v.Color != ""}
		plate = sql.NullString{String: v.Plate, Valid: v.Plate != ""}
	}
	bookedBy := r.BookedBy
	if bookedBy == nil {
		bookedBy = []string{}
	}
	_, err := p.q.ExecContext(ctx, `INSERT INTO rides (
		id, driver_id,
		origin_address, origin_city, origin_state, origin_country, origin_lat, origin_lng,
		dest_address, dest_city, dest_state, dest_country, dest_lat, dest_lng,
		ride_date, ride_time, capacity_seats, available_seats, price_per_seat_cents, currency, status,
		vehicle_make, vehicle_model, vehicle_year, vehicle_color, vehicle_plate,
		description, booked_by, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)`,
		r.ID, r.DriverID,
		r.Origin.Address, r.Origin.City, r.Origin.State, r.Origin.Country, r.Origin.Lat, r.Origin.Lng,
		r.Destination.Address, r.Destination.City, r.Destination.State, r.Destination.Country, r.Destination.Lat, r.Destination.Lng,
		r.Date, r.Time, r.CapacitySeats, r.AvailableSeats, r.PricePerSeatCents, r.Currency, string(r.Status),
		make_, model, year, color, plate,
		r.Description, pq.Array(bookedBy), r.CreatedAt, r.UpdatedAt,
	)
	return mapPQError(err)
}

func (p pgQueries) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var row rideRow
	err := sqlx.GetContext(ctx, p.q, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ride := row.toModel()
	return &ride, nil
}

func (p pgQueries) UpdateRide(ctx context.Context, id string, u models.RideUpdate) error {
	if u.Empty() {
		return nil
	}
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.AvailableSeats != nil {
		set("available_seats", *u.AvailableSeats)
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.BookedBy != nil {
		set("booked_by", pq.Array(*u.BookedBy))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE rides SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := p.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgQueries) ListRides(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	var where []string
	var args []any
	cond := func(expr string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if f.DriverID != "" {
		cond("driver_id = $%d", f.DriverID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		cond("status = ANY($%d)", pq.Array(statuses))
	}
	if f.DateFrom != "" {
		cond("ride_date >= $%d::date", f.DateFrom)
	}
	if f.DateTo != "" {
		cond("ride_date <= $%d::date", f.DateTo)
	}
	query := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ride_date, ride_time, created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []rideRow
	if err := sqlx.SelectContext(ctx, p.q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.Ride, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

const bookingColumns = `id, ride_id, passenger_id, seats, contact_phone, notes, payment_method, payment_ref, created_at`

type bookingRow struct {
	ID            string    `db:"id"`
	RideID        string    `db:"ride_id"`
	PassengerID   string    `db:"passenger_id"`
	Seats         int       `db:"seats"`
	ContactPhone  string    `db:"contact_phone"`
	Notes         string    `db:"notes"`
	PaymentMethod string    `db:"payment_method"`
	PaymentRef    string    `db:"payment_ref"`
	CreatedAt     time.Time `db:"created_at"`
}

func (b bookingRow) toModel() models.Booking {
	return models.Booking(b)
}

func (p pgQueries) CreateBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.RideID, b.PassengerID, b.Seats, b.ContactPhone, b.Notes, b.PaymentMethod, b.PaymentRef, b.CreatedAt)
	return mapPQError(err)
}

func (p pgQueries) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var row bookingRow
	err := sqlx.GetContext(ctx, p.q, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b := row.toModel()
	return &b, nil
}

func (p pgQueries) DeleteBooking(ctx context.Context, id string) error {
	res, err := p.q.ExecContext(ctx, `DELETE FROM bookings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p pgQueries) ListBookings(ctx context.Context, f models.BookingFilter) ([]models.Booking, error) {
	var where []string
	var args []any
	if f.RideID != "" {
		args = append(args, f.RideID)
		where = append(where, fmt.Sprintf("ride_id = $%d", len(args)))
	}
	if f.PassengerID != "" {
		args = append(args, f.PassengerID)
		where = append(where, fmt.Sprintf("passenger_id = $%d", len(args)))
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	var rows []bookingRow
	if err := sqlx.SelectContext(ctx, p.q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p pgQueries) SetPaymentRef(ctx context.Context, bookingID, ref string) error {
	res, err := p.q.ExecContext(ctx, `UPDATE bookings SET payment_ref = $1 WHERE id = $2`, ref, bookingID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pqErr.Constraint)
		}
	}
	return err
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
