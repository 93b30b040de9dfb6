// Package payments confirms collection of a completed ride's final price:
// cash is settled in person, cards are charged through Stripe.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/driver-dispatch/internal/models"
)

var ErrNoCustomer = errors.New("card payment without customer id")

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	params.SetIdempotencyKey("ride-" + rideID)
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

// CardProcessor is the subset of StripeClient the collector needs.
type CardProcessor interface {
	Hold(ctx context.Context, amount int64, currency, customerID, rideID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Collector implements lifecycle.Payments.
type Collector struct {
	Cards    CardProcessor
	Currency string
	Logger   *slog.Logger
}

func (c *Collector) Collect(ctx context.Context, ride models.ActiveRide) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if ride.PaymentMethod != models.PaymentCard || c.Cards == nil {
		logger.Info("cash payment confirmed by driver", "ride_id", ride.ID, "amount", ride.FinalPrice)
		return nil
	}
	if ride.CustomerID == "" {
		return ErrNoCustomer
	}

	currency := c.Currency
	if currency == "" {
		currency = "usd"
	}
	amount := int64(math.Round(ride.FinalPrice * 100))
	id, err := c.Cards.Hold(ctx, amount, currency, ride.CustomerID, ride.ID)
	if err != nil {
		return fmt.Errorf("hold card payment: %w", err)
	}
	if err := c.Cards.Capture(ctx, id); err != nil {
		if cerr := c.Cards.Cancel(ctx, id); cerr != nil {
			logger.Error("release card hold failed", "ride_id", ride.ID, "payment_intent", id, "error", cerr)
		}
		return fmt.Errorf("capture card payment: %w", err)
	}
	logger.Info("card payment captured", "ride_id", ride.ID, "payment_intent", id, "amount_cents", amount)
	return nil
}
