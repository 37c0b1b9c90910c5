package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-queue/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// Charger is the part of the payment provider the settlement hook uses.
type Charger interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Settlement captures the held fare when a trip completes and releases the
// hold when the driver cancels. Passenger cancels are settled passenger side.
type Settlement struct {
	charger Charger
}

func NewSettlement(c Charger) *Settlement { return &Settlement{charger: c} }

func (s *Settlement) Name() string { return "stripe" }

func (s *Settlement) Handle(ctx context.Context, before, after models.Booking) error {
	if after.PaymentIntentID == "" || before.Status == after.Status {
		return nil
	}
	switch {
	case after.Status == models.StatusCompleted:
		return s.charger.Capture(ctx, after.PaymentIntentID)
	case after.Status == models.StatusCancelled && after.CancelledBy == models.ActorDriver:
		return s.charger.Cancel(ctx, after.PaymentIntentID)
	}
	return nil
}
