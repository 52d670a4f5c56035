// Package payments settles completed rides against an external PSP. The
// trigger path is idempotency-gated; settlement itself runs asynchronously
// and its outcome is recorded on the payment row, never swallowed.
package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/cache"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/storage"
)

// Settler is the external settlement collaborator. It returns the PSP's
// reference for a successful charge.
type Settler interface {
	Settle(ctx context.Context, p *models.Payment) (string, error)
}

type Processor struct {
	store   storage.Store
	settler Settler
	idem    *idempotency.Executor
	cache   *cache.Payments
	logger  *slog.Logger

	// MaxAttempts / RetryInterval tune the settlement retry loop.
	MaxAttempts   uint
	RetryInterval time.Duration

	wg sync.WaitGroup
}

func NewProcessor(store storage.Store, settler Settler, idem *idempotency.Executor, c *cache.Payments, logger *slog.Logger) *Processor {
	return &Processor{
		store:         store,
		settler:       settler,
		idem:          idem,
		cache:         c,
		logger:        logger,
		MaxAttempts:   3,
		RetryInterval: 500 * time.Millisecond,
	}
}

// Trigger creates a pending payment for a completed ride and kicks off
// asynchronous settlement. A replay with the same idempotency key gets the
// stored creation payload back without touching the PSP again.
func (p *Processor) Trigger(ctx context.Context, rideID, key string) (json.RawMessage, error) {
	return p.idem.Do(ctx, "payment", key, func(ctx context.Context) (any, error) {
		ride, err := p.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if ride.Status != models.RideCompleted || ride.FinalFare == nil {
			return nil, &apperr.InvalidStateError{Op: "trigger payment", State: string(ride.Status)}
		}

		now := time.Now().UTC()
		pay := &models.Payment{
			ID:             uuid.NewString(),
			RideID:         rideID,
			RiderID:        ride.RiderID,
			Amount:         *ride.FinalFare,
			Method:         ride.PaymentMethod,
			Status:         models.PaymentPending,
			IdempotencyKey: key,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := p.store.CreatePayment(ctx, pay); err != nil {
			return nil, err
		}

		p.wg.Add(1)
		go p.settle(pay)
		return pay, nil
	})
}

// GetPayment returns the latest payment for a ride, cache-backed.
func (p *Processor) GetPayment(ctx context.Context, rideID string) (*models.Payment, error) {
	if pay, ok := p.cache.Get(ctx, rideID); ok {
		return pay, nil
	}
	pay, err := p.store.GetPaymentByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ctx, pay)
	return pay, nil
}

func (p *Processor) settle(pay *models.Payment) {
	defer p.wg.Done()
	ctx := context.Background()

	if err := p.store.CASPaymentStatus(ctx, pay.ID, models.PaymentPending, models.PaymentProcessing); err != nil {
		// Someone else already moved it; settlement runs once.
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.RetryInterval
	ref, err := backoff.Retry(ctx, func() (string, error) {
		return p.settler.Settle(ctx, pay)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(p.MaxAttempts))

	status := models.PaymentSucceeded
	if err != nil {
		status = models.PaymentFailed
		ref = ""
		p.logger.Error("settlement failed", "payment_id", pay.ID, "ride_id", pay.RideID, "error", err)
	}
	if err := p.store.FinishPayment(ctx, pay.ID, status, ref); err != nil {
		p.logger.Error("payment outcome write failed", "payment_id", pay.ID, "error", err)
		return
	}
	observability.PaymentsTotal.WithLabelValues(string(status)).Inc()
	p.cache.Invalidate(ctx, pay.RideID)
}
