package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/customer"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeLedger implements holds as PaymentIntents with manual capture.
// Converting captures part of the intent; Stripe releases the rest.
type StripeLedger struct {
	intents   *paymentintent.Client
	customers *customer.Client
}

// NewStripeLedger uses the live Stripe API. backendURL overrides the API base
// URL and is empty outside tests.
func NewStripeLedger(apiKey, backendURL string) *StripeLedger {
	cfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(2)}
	if backendURL != "" {
		cfg.URL = stripe.String(backendURL)
		cfg.MaxNetworkRetries = stripe.Int64(0)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return &StripeLedger{
		intents:   &paymentintent.Client{B: backend, Key: apiKey},
		customers: &customer.Client{B: backend, Key: apiKey},
	}
}

// CheckBalance rejects deleted or delinquent Stripe customers. Users without a
// Stripe customer id are checked when the hold is created instead.
func (s *StripeLedger) CheckBalance(ctx context.Context, userID string, amount int64, currency string) error {
	if amount <= 0 || !isCustomerID(userID) {
		return nil
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := s.customers.Get(userID, params)
	if err != nil {
		return fmt.Errorf("stripe customer %s: %w", userID, err)
	}
	if c.Deleted || c.Delinquent {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *StripeLedger) CreateHold(ctx context.Context, userID string, amount int64, currency string, ref HoldRef) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if isCustomerID(userID) {
		params.Customer = stripe.String(userID)
	}
	params.AddMetadata("ride_id", ref.RideID)
	params.AddMetadata("search_round", strconv.Itoa(ref.Round))
	params.AddMetadata("user_id", userID)
	params.SetIdempotencyKey(ref.IdempotencyKey())
	pi, err := s.intents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeCardDeclined {
			return "", ErrInsufficientFunds
		}
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeLedger) ReleaseHold(ctx context.Context, holdID, reason string) error {
	params := &stripe.PaymentIntentCancelParams{CancellationReason: stripe.String(cancellationReason(reason))}
	params.Context = ctx
	_, err := s.intents.Cancel(holdID, params)
	return err
}

func (s *StripeLedger) ConvertHoldToPayment(ctx context.Context, holdID string, amount int64, reason string) error {
	if amount <= 0 {
		return s.ReleaseHold(ctx, holdID, reason)
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.AddMetadata("capture_reason", reason)
	_, err := s.intents.Capture(holdID, params)
	return err
}

func isCustomerID(id string) bool { return strings.HasPrefix(id, "cus_") }

// cancellationReason maps dispatch reasons onto the values Stripe accepts.
func cancellationReason(reason string) string {
	switch reason {
	case "no_drivers_available", "scheduled_expired":
		return string(stripe.PaymentIntentCancellationReasonAbandoned)
	default:
		return string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)
	}
}
