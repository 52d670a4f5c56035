package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/storage"
)

type fakeSettler struct {
	calls int32
	err   error
}

func (f *fakeSettler) Settle(_ context.Context, p *models.Payment) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", f.err
	}
	return "psp_" + p.ID, nil
}

func newTestProcessor(t *testing.T, settler Settler) (*Processor, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProcessor(store, settler, idempotency.NewExecutor(store, nil), nil, logger)
	p.MaxAttempts = 2
	p.RetryInterval = time.Millisecond
	return p, store
}

func seedCompletedRide(t *testing.T, store *storage.MemoryStore, id string, fare float64) {
	t.Helper()
	require.NoError(t, store.CreateRide(context.Background(), &models.Ride{
		ID: id, RiderID: "rider-1", Tier: models.TierStandard,
		PaymentMethod: models.MethodCard,
		Status:        models.RideCompleted,
		FinalFare:     &fare,
	}))
}

func TestTriggerRequiresCompletedRide(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProcessor(t, &fakeSettler{})
	require.NoError(t, store.CreateRide(ctx, &models.Ride{
		ID: "ride-1", RiderID: "rider-1", Status: models.RideInProgress,
	}))

	_, err := p.Trigger(ctx, "ride-1", "key-1")
	var invalid *apperr.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(models.RideInProgress), invalid.State)

	_, err = p.Trigger(ctx, "missing", "key-2")
	var notFound *apperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTriggerSettlesAsynchronously(t *testing.T) {
	ctx := context.Background()
	settler := &fakeSettler{}
	p, store := newTestProcessor(t, settler)
	seedCompletedRide(t, store, "ride-1", 270.0)

	payload, err := p.Trigger(ctx, "ride-1", "key-1")
	require.NoError(t, err)

	var created models.Payment
	require.NoError(t, json.Unmarshal(payload, &created))
	assert.Equal(t, models.PaymentPending, created.Status)
	assert.Equal(t, 270.0, created.Amount)
	assert.Equal(t, models.MethodCard, created.Method)

	p.wg.Wait()

	got, err := p.GetPayment(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSucceeded, got.Status)
	assert.Equal(t, "psp_"+created.ID, got.PSPRef)
	assert.Equal(t, int32(1), atomic.LoadInt32(&settler.calls))
}

func TestTriggerReplayDoesNotChargeTwice(t *testing.T) {
	ctx := context.Background()
	settler := &fakeSettler{}
	p, store := newTestProcessor(t, settler)
	seedCompletedRide(t, store, "ride-1", 180.0)

	first, err := p.Trigger(ctx, "ride-1", "key-1")
	require.NoError(t, err)
	p.wg.Wait()

	// Replay after settlement: same bytes, no new payment, no new charge.
	second, err := p.Trigger(ctx, "ride-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&settler.calls))
}

func TestSettlementFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	settler := &fakeSettler{err: errors.New("card declined")}
	p, store := newTestProcessor(t, settler)
	seedCompletedRide(t, store, "ride-1", 180.0)

	_, err := p.Trigger(ctx, "ride-1", "key-1")
	require.NoError(t, err)
	p.wg.Wait()

	got, err := p.GetPayment(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, got.Status)
	assert.Empty(t, got.PSPRef)
	// Retried up to MaxAttempts before giving up.
	assert.Equal(t, int32(2), atomic.LoadInt32(&settler.calls))
}

func TestGetPaymentUnknownRide(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeSettler{})
	_, err := p.GetPayment(context.Background(), "nope")
	var notFound *apperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
