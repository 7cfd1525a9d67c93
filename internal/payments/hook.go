package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/observability"
	"github.com/example/ride-share/internal/storage"
)

const MethodCard = "card"

// Ledger is the booking storage the hook writes payment references to.
type Ledger interface {
	SetPaymentRef(ctx context.Context, bookingID, ref string) error
	ListBookings(ctx context.Context, f models.BookingFilter) ([]models.Booking, error)
}

// Hook follows booking events with card payments: hold on booking, release
// on cancellation, capture when the ride completes. Cancelling a ride that
// already started keeps its bookings, so their holds are released here.
type Hook struct {
	Processor Processor
	Ledger    Ledger
	Logger    *slog.Logger
}

func (h *Hook) Name() string { return "payments" }

func (h *Hook) Deliver(ctx context.Context, ev models.Event) error {
	switch ev.Type {
	case models.EventBookingCreated:
		if ev.PaymentMethod != MethodCard || ev.AmountCents <= 0 {
			return nil
		}
		return h.hold(ctx, ev)
	case models.EventBookingCancelled:
		if ev.PaymentRef == "" {
			return nil
		}
		return h.call("cancel", func() error { return h.Processor.Cancel(ctx, ev.PaymentRef) })
	case models.EventRideStatusChanged:
		switch ev.Status {
		case models.RideCompleted:
			return h.settleRide(ctx, ev.RideID, "capture", h.Processor.Capture)
		case models.RideCancelled:
			return h.settleRide(ctx, ev.RideID, "cancel", h.Processor.Cancel)
		}
	}
	return nil
}

func (h *Hook) hold(ctx context.Context, ev models.Event) error {
	var ref string
	err := h.call("hold", func() (err error) {
		ref, err = h.Processor.Hold(ctx, ev.AmountCents, ev.Currency, ev.BookingID)
		return err
	})
	if err != nil {
		return err
	}
	err = h.Ledger.SetPaymentRef(ctx, ev.BookingID, ref)
	if errors.Is(err, storage.ErrNotFound) {
		// cancelled before the hold landed
		h.Logger.Info("releasing hold for cancelled booking", "booking_id", ev.BookingID, "payment_ref", ref)
		return h.call("cancel", func() error { return h.Processor.Cancel(ctx, ref) })
	}
	if err != nil {
		return fmt.Errorf("store payment ref for %s: %w", ev.BookingID, err)
	}
	return nil
}

// settleRide applies fn to every held payment still booked on the ride.
func (h *Hook) settleRide(ctx context.Context, rideID, op string, fn func(context.Context, string) error) error {
	bookings, err := h.Ledger.ListBookings(ctx, models.BookingFilter{RideID: rideID})
	if err != nil {
		return fmt.Errorf("list bookings: %w", err)
	}
	var errs []error
	for _, b := range bookings {
		if b.PaymentRef == "" {
			continue
		}
		if err := h.call(op, func() error { return fn(ctx, b.PaymentRef) }); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op, b.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hook) call(op string, fn func() error) error {
	err := fn()
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.PaymentOpsTotal.WithLabelValues(op, result).Inc()
	return err
}
