package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/models"
)

func seedDriver(t *testing.T, s *MemoryStore, id string, status models.DriverStatus, lat, lng float64) {
	t.Helper()
	_, err := s.UpsertDriver(context.Background(), &models.Driver{
		ID: id, Name: id, Phone: "phone-" + id, Tier: models.TierStandard, Status: models.DriverOffline,
	})
	require.NoError(t, err)
	_, err = s.UpdateDriverLocation(context.Background(), id, lat, lng, time.Now())
	require.NoError(t, err)
	if status != models.DriverOffline {
		require.NoError(t, s.SetDriverStatus(context.Background(), id, status))
	}
}

func seedRide(t *testing.T, s *MemoryStore, id string, status models.RideStatus) {
	t.Helper()
	require.NoError(t, s.CreateRide(context.Background(), &models.Ride{
		ID: id, RiderID: "rider-1", Tier: models.TierStandard,
		Pickup:      models.Coord{Lat: 12.97, Lng: 77.59},
		Destination: models.Coord{Lat: 13.00, Lng: 77.60},
		Status:      status,
	}))
}

func TestCASRideStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "ride-1", models.RideRequested)

	require.NoError(t, s.CASRideStatus(ctx, "ride-1", models.RideRequested, models.RideSearching))

	// Stale expectation fails with a conflict and leaves the row untouched.
	err := s.CASRideStatus(ctx, "ride-1", models.RideRequested, models.RideCancelled)
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "ride", conflict.Entity)

	r, err := s.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RideSearching, r.Status)
}

func TestReserveDriverSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDriver(t, s, "driver-1", models.DriverAvailable, 12.97, 77.59)

	const n = 10
	rideIDs := make([]string, n)
	for i := range rideIDs {
		rideIDs[i] = "ride-" + string(rune('a'+i))
		seedRide(t, s, rideIDs[i], models.RideSearching)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ReserveDriver(ctx, rideIDs[i], "driver-1", 1.0)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			var conflict *apperr.ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, "driver", conflict.Entity)
		}
	}
	assert.Equal(t, 1, wins)

	d, err := s.GetDriver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverOnTrip, d.Status)
}

func TestReserveDriverRequiresSearchingRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDriver(t, s, "driver-1", models.DriverAvailable, 12.97, 77.59)
	seedRide(t, s, "ride-1", models.RideCancelled)

	err := s.ReserveDriver(ctx, "ride-1", "driver-1", 1.0)
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "ride", conflict.Entity)

	// The reservation rolled back: the driver stays available.
	d, err := s.GetDriver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestRevertMatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDriver(t, s, "driver-1", models.DriverAvailable, 12.97, 77.59)
	seedRide(t, s, "ride-1", models.RideSearching)
	require.NoError(t, s.ReserveDriver(ctx, "ride-1", "driver-1", 1.2))

	require.NoError(t, s.RevertMatch(ctx, "ride-1", "driver-1"))

	r, err := s.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RideSearching, r.Status)
	assert.Empty(t, r.DriverID)

	d, err := s.GetDriver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)

	// A second revert is a conflict, not a silent no-op.
	err = s.RevertMatch(ctx, "ride-1", "driver-1")
	var conflict *apperr.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCancelRideReleasesDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDriver(t, s, "driver-1", models.DriverAvailable, 12.97, 77.59)
	seedRide(t, s, "ride-1", models.RideSearching)
	require.NoError(t, s.ReserveDriver(ctx, "ride-1", "driver-1", 1.0))

	released, err := s.CancelRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, "driver-1", released)

	d, err := s.GetDriver(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)

	// Cancelling a terminal ride conflicts.
	_, err = s.CancelRide(ctx, "ride-1")
	var conflict *apperr.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestSetDriverStatusRefusesOnTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedDriver(t, s, "driver-1", models.DriverAvailable, 12.97, 77.59)
	seedRide(t, s, "ride-1", models.RideSearching)
	require.NoError(t, s.ReserveDriver(ctx, "ride-1", "driver-1", 1.0))

	err := s.SetDriverStatus(ctx, "driver-1", models.DriverOffline)
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "driver", conflict.Entity)
}

func TestNearestAvailable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pickup := models.Coord{Lat: 12.97, Lng: 77.59}

	seedDriver(t, s, "near", models.DriverAvailable, 12.975, 77.59)    // ~0.6 km
	seedDriver(t, s, "far", models.DriverAvailable, 13.05, 77.59)      // ~8.9 km
	seedDriver(t, s, "offline", models.DriverOffline, 12.971, 77.59)   // not available
	seedDriver(t, s, "very-far", models.DriverAvailable, 14.00, 77.59) // ~115 km

	d, dist, err := s.NearestAvailable(ctx, pickup, models.TierStandard, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, "near", d.ID)
	assert.Less(t, dist, 1.0)

	// Excluding the nearest widens to the next candidate within the radius.
	d, _, err = s.NearestAvailable(ctx, pickup, models.TierStandard, 20, []string{"near"})
	require.NoError(t, err)
	assert.Equal(t, "far", d.ID)

	// Nothing in range is a NotFoundError.
	_, _, err = s.NearestAvailable(ctx, pickup, models.TierStandard, 5, []string{"near"})
	var notFound *apperr.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Tier must match.
	_, _, err = s.NearestAvailable(ctx, pickup, models.TierPremium, 20, nil)
	assert.ErrorAs(t, err, &notFound)
}

func TestTripLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "ride-1", models.RideAccepted)

	trip := &models.Trip{ID: "trip-1", RideID: "ride-1", StartedAt: time.Now()}
	require.NoError(t, s.StartTrip(ctx, trip))

	r, err := s.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RideInProgress, r.Status)

	require.NoError(t, s.PauseTrip(ctx, "ride-1", time.Now()))
	require.NoError(t, s.ResumeTrip(ctx, "ride-1"))

	// Resume only applies to a paused ride.
	err = s.ResumeTrip(ctx, "ride-1")
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, s.EndTrip(ctx, "ride-1", 10, 20, 270.0, time.Now()))

	r, err = s.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, r.Status)
	require.NotNil(t, r.FinalFare)
	assert.Equal(t, 270.0, *r.FinalFare)

	got, err := s.GetTripByRide(ctx, "ride-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, 10.0, got.DistanceKm)
	assert.Equal(t, 270.0, got.Fare)
}

func TestUpsertDriverIsPhoneKeyed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.UpsertDriver(ctx, &models.Driver{ID: "a", Name: "Asha", Phone: "123"})
	require.NoError(t, err)

	second, err := s.UpsertDriver(ctx, &models.Driver{ID: "b", Name: "Asha K", Phone: "123"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Asha K", second.Name)
}
