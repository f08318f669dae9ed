// Package feepay verifies arbitration fee payments.
//
// The workflow never moves money itself: a party pays the fee through the
// payment provider and submits the resulting payment reference, which is
// checked against the required fee before the payment is recorded.
package feepay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

var (
	ErrMissingReference = errors.New("payment reference required")
	ErrNotSettled       = errors.New("payment has not settled")
	ErrAmountTooLow     = errors.New("payment amount below the arbitration fee")
	ErrCurrencyMismatch = errors.New("payment currency does not match the dispute")
)

// StripeVerifier checks arbitration fee payments against Stripe
// PaymentIntents. It implements dispute.FeeVerifier.
type StripeVerifier struct{}

// NewStripeVerifier configures the global Stripe client and returns a
// verifier. secretKey is the platform's Stripe secret key.
func NewStripeVerifier(secretKey string) *StripeVerifier {
	stripe.Key = secretKey
	return &StripeVerifier{}
}

// VerifyFeePayment checks that the referenced PaymentIntent has succeeded
// for at least the required amount in the dispute's currency.
func (v *StripeVerifier) VerifyFeePayment(ctx context.Context, partyID, paymentRef string, amount int64, currency string) error {
	if paymentRef == "" {
		return ErrMissingReference
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(paymentRef, params)
	if err != nil {
		return fmt.Errorf("look up payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: status %s", ErrNotSettled, pi.Status)
	}
	if pi.Amount < amount {
		return fmt.Errorf("%w: paid %d, need %d", ErrAmountTooLow, pi.Amount, amount)
	}
	if !strings.EqualFold(string(pi.Currency), currency) {
		return fmt.Errorf("%w: paid in %s, dispute is %s", ErrCurrencyMismatch, pi.Currency, currency)
	}
	return nil
}

// DemoVerifier accepts any reference with the demo_ prefix. Used in local
// development where no payment provider is configured.
type DemoVerifier struct{}

// NewDemoVerifier creates a verifier for demo mode.
func NewDemoVerifier() *DemoVerifier {
	return &DemoVerifier{}
}

// VerifyFeePayment accepts demo_ references and rejects everything else.
func (v *DemoVerifier) VerifyFeePayment(ctx context.Context, partyID, paymentRef string, amount int64, currency string) error {
	if paymentRef == "" {
		return ErrMissingReference
	}
	if !strings.HasPrefix(paymentRef, "demo_") {
		return fmt.Errorf("%w: demo mode accepts only demo_ references", ErrNotSettled)
	}
	return nil
}
