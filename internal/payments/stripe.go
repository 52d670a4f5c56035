package payments

import (
	"context"
	"math"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-hailing/internal/models"
)

// StripeClient settles fares through PaymentIntents: a manual-capture hold
// followed by an immediate capture once the hold succeeds.
type StripeClient struct {
	Currency string
}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{Currency: "inr"}
}

func (s *StripeClient) Settle(ctx context.Context, p *models.Payment) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(math.Round(p.Amount * 100))),
		Currency: stripe.String(s.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	if _, err := paymentintent.Capture(pi.ID, nil); err != nil {
		return "", err
	}
	return pi.ID, nil
}
