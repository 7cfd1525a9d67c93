package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Processor places, captures and releases card holds.
type Processor interface {
	Hold(ctx context.Context, amount int64, currency, bookingID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// The booking id doubles as idempotency key so a redelivered event never
// holds twice.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, bookingID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("booking_id", bookingID)
	params.SetIdempotencyKey("hold-" + bookingID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
