package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/match"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/pricing"
	"github.com/example/ride-hailing/internal/storage"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pe := pricing.NewEngine(pricing.NewMemoryDemand(time.Minute))
	me := &match.Engine{Store: store, Surge: pe, InitialRadiusKm: 5, MaxRadiusKm: 20}
	idem := idempotency.NewExecutor(store, nil)

	m := NewManager(store, pe, me, idem, nil, nil, logger, cfg)
	m.Start()
	t.Cleanup(m.Stop)
	return m, store
}

func seedAvailableDriver(t *testing.T, m *Manager, lat, lng float64) *models.Driver {
	t.Helper()
	ctx := context.Background()
	d, err := m.RegisterDriver(ctx, "Asha", "98"+time.Now().Format("150405.000000"), models.TierStandard)
	require.NoError(t, err)
	require.NoError(t, m.UpdateDriverStatus(ctx, d.ID, models.DriverAvailable))
	d, err = m.UpdateDriverLocation(ctx, d.ID, lat, lng)
	require.NoError(t, err)
	return d
}

func createRide(t *testing.T, m *Manager, key string) *models.Ride {
	t.Helper()
	payload, err := m.CreateRide(context.Background(), models.RideRequest{
		RiderID:        "rider-1",
		Pickup:         models.Coord{Lat: 12.97, Lng: 77.59},
		Destination:    models.Coord{Lat: 13.00, Lng: 77.60},
		Tier:           models.TierStandard,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	var ride models.Ride
	require.NoError(t, json.Unmarshal(payload, &ride))
	return &ride
}

func waitForStatus(t *testing.T, m *Manager, rideID string, want models.RideStatus) *models.Ride {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := m.GetRide(context.Background(), rideID)
		require.NoError(t, err)
		if r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := m.GetRide(context.Background(), rideID)
	t.Fatalf("ride %s never reached %s, stuck at %s", rideID, want, r.Status)
	return nil
}

func TestRideHappyPath(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	driver := seedAvailableDriver(t, m, 12.975, 77.59)

	ride := createRide(t, m, "key-happy")
	assert.Equal(t, models.RideRequested, ride.Status)
	assert.Greater(t, ride.EstimatedFare, 0.0)

	matched := waitForStatus(t, m, ride.ID, models.RideMatched)
	assert.Equal(t, driver.ID, matched.DriverID)
	assert.Greater(t, matched.SurgeMultiplier, 0.0)

	accepted, err := m.AcceptRide(ctx, driver.ID, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, accepted.Status)

	trip, err := m.StartTrip(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.ID, trip.RideID)

	require.NoError(t, m.PauseTrip(ctx, ride.ID))
	require.NoError(t, m.ResumeTrip(ctx, ride.ID))

	done, err := m.EndTrip(ctx, ride.ID, 10, 20)
	require.NoError(t, err)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, pricing.Fare(models.TierStandard, 10, 20, matched.SurgeMultiplier), done.Fare)

	final, err := m.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, final.Status)
	require.NotNil(t, final.FinalFare)
	assert.Equal(t, done.Fare, *final.FinalFare)

	// The driver is free again.
	d, err := m.GetDriver(ctx, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestCreateRideReplayReturnsSamePayload(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	seedAvailableDriver(t, m, 12.975, 77.59)

	first, err := m.CreateRide(ctx, models.RideRequest{
		RiderID:        "rider-1",
		Pickup:         models.Coord{Lat: 12.97, Lng: 77.59},
		Destination:    models.Coord{Lat: 13.00, Lng: 77.60},
		IdempotencyKey: "key-replay",
	})
	require.NoError(t, err)

	// Replay after the ride has moved on still returns the creation payload.
	var ride models.Ride
	require.NoError(t, json.Unmarshal(first, &ride))
	waitForStatus(t, m, ride.ID, models.RideMatched)

	second, err := m.CreateRide(ctx, models.RideRequest{
		RiderID:        "rider-1",
		Pickup:         models.Coord{Lat: 12.97, Lng: 77.59},
		Destination:    models.Coord{Lat: 13.00, Lng: 77.60},
		IdempotencyKey: "key-replay",
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIllegalTransitionsSurfaceState(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	seedAvailableDriver(t, m, 12.975, 77.59)

	ride := createRide(t, m, "key-illegal")
	waitForStatus(t, m, ride.ID, models.RideMatched)

	// Starting before accept is rejected with the ride's actual state.
	_, err := m.StartTrip(ctx, ride.ID)
	var invalid *apperr.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(models.RideMatched), invalid.State)

	// Pause before the trip exists.
	err = m.PauseTrip(ctx, ride.ID)
	assert.ErrorAs(t, err, &invalid)
}

func TestAcceptRideScopedToMatchedDriver(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	driver := seedAvailableDriver(t, m, 12.975, 77.59)

	ride := createRide(t, m, "key-scope")
	waitForStatus(t, m, ride.ID, models.RideMatched)

	_, err := m.AcceptRide(ctx, "someone-else", ride.ID)
	var notFound *apperr.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = m.AcceptRide(ctx, driver.ID, ride.ID)
	require.NoError(t, err)

	// Accepting twice conflicts on the state machine.
	_, err = m.AcceptRide(ctx, driver.ID, ride.ID)
	var invalid *apperr.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

func TestAcceptTimeoutRevertsAndExcludes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{AcceptTimeout: 30 * time.Millisecond})
	driver := seedAvailableDriver(t, m, 12.975, 77.59)

	ride := createRide(t, m, "key-timeout")
	waitForStatus(t, m, ride.ID, models.RideMatched)

	// The only driver never accepts: the match reverts, the driver is
	// excluded on re-match, and with nobody left the ride cancels.
	waitForStatus(t, m, ride.ID, models.RideCancelled)

	d, err := m.GetDriver(ctx, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestAcceptTimeoutPicksNextDriver(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{AcceptTimeout: 100 * time.Millisecond})
	first := seedAvailableDriver(t, m, 12.972, 77.59)
	second := seedAvailableDriver(t, m, 12.99, 77.59)

	ride := createRide(t, m, "key-next")
	matched := waitForStatus(t, m, ride.ID, models.RideMatched)
	require.Equal(t, first.ID, matched.DriverID)

	// After the window expires the farther driver gets the ride.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := m.GetRide(ctx, ride.ID)
		require.NoError(t, err)
		if r.Status == models.RideMatched && r.DriverID == second.ID {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ride was never re-matched to the second driver")
}

func TestCancelReleasesReservedDriver(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	driver := seedAvailableDriver(t, m, 12.975, 77.59)

	ride := createRide(t, m, "key-cancel")
	waitForStatus(t, m, ride.ID, models.RideMatched)

	require.NoError(t, m.CancelRide(ctx, ride.ID))

	r, err := m.GetRide(ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, r.Status)

	d, err := m.GetDriver(ctx, driver.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)

	// Cancel on a terminal ride is a conflict.
	err = m.CancelRide(ctx, ride.ID)
	var conflict *apperr.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestNoDriverCancelsRide(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	ride := createRide(t, m, "key-nobody")
	waitForStatus(t, m, ride.ID, models.RideCancelled)
}

func TestDriverStatusGuard(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	driver := seedAvailableDriver(t, m, 12.975, 77.59)

	// on_trip cannot be set through the public path.
	err := m.UpdateDriverStatus(ctx, driver.ID, models.DriverOnTrip)
	var invalid *apperr.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	ride := createRide(t, m, "key-guard")
	waitForStatus(t, m, ride.ID, models.RideMatched)

	// A reserved driver cannot slip offline underneath the match.
	err = m.UpdateDriverStatus(ctx, driver.ID, models.DriverOffline)
	var conflict *apperr.ConflictError
	assert.ErrorAs(t, err, &conflict)
}
