// Package payments places and settles fare holds with an external processor.
package payments

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// Gateway holds a ride's quoted fare at booking and settles it when the ride ends.
type Gateway interface {
	Hold(ctx context.Context, rideID string, fare models.FareBreakdown) error
	Capture(ctx context.Context, rideID string) error
	Release(ctx context.Context, rideID string) error
}

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeGateway uses manual-capture PaymentIntents. Intent ids are kept per
// ride in memory.
type StripeGateway struct {
	intents intentAPI

	mu     sync.Mutex
	byRide map[string]string
}

var _ Gateway = (*StripeGateway)(nil)

func NewStripeGateway(apiKey string) *StripeGateway {
	return newStripeGateway(&paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey})
}

func newStripeGateway(api intentAPI) *StripeGateway {
	return &StripeGateway{intents: api, byRide: make(map[string]string)}
}

// Hold creates a PaymentIntent with capture_method=manual for the fare total.
// Repeated holds for the same ride reuse the idempotency key.
func (s *StripeGateway) Hold(ctx context.Context, rideID string, fare models.FareBreakdown) error {
	if fare.Total <= 0 || fare.Currency == "" {
		return fmt.Errorf("%w: fare has no payable total", models.ErrInvalidInput)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(fare.Total)),
		Currency:      stripe.String(strings.ToLower(fare.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + rideID)
	params.AddMetadata("ride_id", rideID)

	pi, err := s.intents.New(params)
	if err != nil {
		return fmt.Errorf("%w: stripe hold %s: %w", models.ErrExternalService, rideID, err)
	}
	s.mu.Lock()
	s.byRide[rideID] = pi.ID
	s.mu.Unlock()
	return nil
}

// Capture finalizes the ride's hold.
func (s *StripeGateway) Capture(ctx context.Context, rideID string) error {
	id, ok := s.take(rideID)
	if !ok {
		return fmt.Errorf("%w: no hold for ride %s", models.ErrNotFound, rideID)
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if _, err := s.intents.Capture(id, params); err != nil {
		s.put(rideID, id)
		return fmt.Errorf("%w: stripe capture %s: %w", models.ErrExternalService, rideID, err)
	}
	return nil
}

// Release cancels the ride's hold.
func (s *StripeGateway) Release(ctx context.Context, rideID string) error {
	id, ok := s.take(rideID)
	if !ok {
		return nil
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.intents.Cancel(id, params); err != nil {
		s.put(rideID, id)
		return fmt.Errorf("%w: stripe cancel %s: %w", models.ErrExternalService, rideID, err)
	}
	return nil
}

func (s *StripeGateway) take(rideID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRide[rideID]
	delete(s.byRide, rideID)
	return id, ok
}

func (s *StripeGateway) put(rideID, id string) {
	s.mu.Lock()
	s.byRide[rideID] = id
	s.mu.Unlock()
}

func minorUnits(total float64) int64 {
	return int64(math.Round(total * 100))
}
