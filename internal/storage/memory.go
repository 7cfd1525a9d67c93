package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-share/internal/models"
)

// MemoryStore keeps rides and bookings in process. Transactions are
// serialized by a single mutex and staged in an overlay until commit.
type MemoryStore struct {
	mu       sync.Mutex
	rides    map[string]models.Ride
	bookings map[string]models.Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		bookings: make(map[string]models.Booking),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, rideID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rideID != "" {
		if _, ok := m.rides[rideID]; !ok {
			return ErrNotFound
		}
	}
	tx := &memTx{
		base:     m,
		rides:    make(map[string]models.Ride),
		added:    make(map[string]models.Booking),
		deleted:  make(map[string]bool),
		payments: make(map[string]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	return m.InTx(ctx, "", func(tx Tx) error { return tx.CreateRide(ctx, r) })
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var out *models.Ride
	err := m.InTx(ctx, "", func(tx Tx) (err error) {
		out, err = tx.GetRide(ctx, id)
		return err
	})
	return out, err
}

func (m *MemoryStore) UpdateRide(ctx context.Context, id string, u models.RideUpdate) error {
	return m.InTx(ctx, "", func(tx Tx) error { return tx.UpdateRide(ctx, id, u) })
}

func (m *MemoryStore) ListRides(ctx context.Context, f models.RideFilter) ([]models.Ride, error) {
	var out []models.Ride
	err := m.InTx(ctx, "", func(tx Tx) (err error) {
		out, err = tx.ListRides(ctx, f)
		return err
	})
	return out, err
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	return m.InTx(ctx, "", func(tx Tx) error { return tx.CreateBooking(ctx, b) })
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var out *models.Booking
	err := m.InTx(ctx, "", func(tx Tx) (err error) {
		out, err = tx.GetBooking(ctx, id)
		return err
	})
	return out, err
}

func (m *MemoryStore) DeleteBooking(ctx context.Context, id string) error {
	return m.InTx(ctx, "", func(tx Tx) error { return tx.DeleteBooking(ctx, id) })
}

func (m *MemoryStore) ListBookings(ctx context.Context, f models.BookingFilter) ([]models.Booking, error) {
	var out []models.Booking
	err := m.InTx(ctx, "", func(tx Tx) (err error) {
		out, err = tx.ListBookings(ctx, f)
		return err
	})
	return out, err
}

func (m *MemoryStore) SetPaymentRef(ctx context.Context, bookingID, ref string) error {
	return m.InTx(ctx, "", func(tx Tx) error { return tx.SetPaymentRef(ctx, bookingID, ref) })
}

// memTx reads through to the base maps; the caller holds base.mu.
type memTx struct {
	base     *MemoryStore
	rides    map[string]models.Ride
	added    map[string]models.Booking
	deleted  map[string]bool
	payments map[string]string
}

func (t *memTx) ride(id string) (models.Ride, bool) {
	if r, ok := t.rides[id]; ok {
		return r, true
	}
	r, ok := t.base.rides[id]
	return r, ok
}

func (t *memTx) booking(id string) (models.Booking, bool) {
	if t.deleted[id] {
		return models.Booking{}, false
	}
	b, ok := t.added[id]
	if !ok {
		b, ok = t.base.bookings[id]
	}
	if ok {
		if ref, set := t.payments[id]; set {
			b.PaymentRef = ref
		}
	}
	return b, ok
}

func (t *memTx) CreateRide(_ context.Context, r *models.Ride) error {
	if _, ok := t.ride(r.ID); ok {
		return ErrConflict
	}
	t.rides[r.ID] = r.Clone()
	return nil
}

func (t *memTx) GetRide(_ context.Context, id string) (*models.Ride, error) {
	r, ok := t.ride(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := r.Clone()
	return &c, nil
}

func (t *memTx) UpdateRide(_ context.Context, id string, u models.RideUpdate) error {
	r, ok := t.ride(id)
	if !ok {
		return ErrNotFound
	}
	r = r.Clone()
	r.Apply(u)
	t.rides[id] = r
	return nil
}

func (t *memTx) ListRides(_ context.Context, f models.RideFilter) ([]models.Ride, error) {
	seen := make(map[string]bool, len(t.base.rides)+len(t.rides))
	out := []models.Ride{}
	collect := func(r models.Ride) {
		if seen[r.ID] {
			return
		}
		seen[r.ID] = true
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	for _, r := range t.rides {
		collect(r)
	}
	for _, r := range t.base.rides {
		collect(r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) CreateBooking(_ context.Context, b *models.Booking) error {
	if _, ok := t.ride(b.RideID); !ok {
		return ErrNotFound
	}
	if _, ok := t.booking(b.ID); ok {
		return ErrConflict
	}
	// mirrors the unique (ride_id, passenger_id) index of the SQL schema
	existing, _ := t.ListBookings(context.Background(), models.BookingFilter{RideID: b.RideID, PassengerID: b.PassengerID})
	if len(existing) > 0 {
		return ErrConflict
	}
	delete(t.deleted, b.ID)
	t.added[b.ID] = *b
	return nil
}

func (t *memTx) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	b, ok := t.booking(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (t *memTx) DeleteBooking(_ context.Context, id string) error {
	if _, ok := t.booking(id); !ok {
		return ErrNotFound
	}
	delete(t.added, id)
	delete(t.payments, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) ListBookings(_ context.Context, f models.BookingFilter) ([]models.Booking, error) {
	out := []models.Booking{}
	for id := range t.base.bookings {
		if b, ok := t.booking(id); ok && f.Match(b) {
			out = append(out, b)
		}
	}
	for id := range t.added {
		if _, inBase := t.base.bookings[id]; inBase {
			continue
		}
		if b, ok := t.booking(id); ok && f.Match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) SetPaymentRef(_ context.Context, bookingID, ref string) error {
	if _, ok := t.booking(bookingID); !ok {
		return ErrNotFound
	}
	t.payments[bookingID] = ref
	return nil
}

func (t *memTx) commit() {
	for id, r := range t.rides {
		t.base.rides[id] = r
	}
	for id := range t.deleted {
		delete(t.base.bookings, id)
	}
	for id, b := range t.added {
		t.base.bookings[id] = b
	}
	for id, ref := range t.payments {
		if b, ok := t.base.bookings[id]; ok {
			b.PaymentRef = ref
			t.base.bookings[id] = b
		}
	}
}
