package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/storage"
)

type fixedSurge struct{ v float64 }

func (f fixedSurge) CurrentSurge(context.Context, models.Coord) (float64, error) { return f.v, nil }

type captureNotifier struct {
	mu          sync.Mutex
	assignments map[string]models.Assignment
}

func (c *captureNotifier) Assign(driverID string, a models.Assignment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignments == nil {
		c.assignments = make(map[string]models.Assignment)
	}
	c.assignments[driverID] = a
	return nil
}

// radiusRecorder wraps the store to observe the candidate queries the engine
// issues, and optionally fails reservations to simulate a losing race.
type radiusRecorder struct {
	*storage.MemoryStore
	mu           sync.Mutex
	radii        []float64
	failReserves int
}

func (r *radiusRecorder) NearestAvailable(ctx context.Context, pickup models.Coord, tier models.Tier, radiusKm float64, exclude []string) (*models.Driver, float64, error) {
	r.mu.Lock()
	r.radii = append(r.radii, radiusKm)
	r.mu.Unlock()
	return r.MemoryStore.NearestAvailable(ctx, pickup, tier, radiusKm, exclude)
}

func (r *radiusRecorder) ReserveDriver(ctx context.Context, rideID, driverID string, surge float64) error {
	r.mu.Lock()
	if r.failReserves > 0 {
		r.failReserves--
		r.mu.Unlock()
		return &apperr.ConflictError{Entity: "driver", ID: driverID, Reason: "no longer available"}
	}
	r.mu.Unlock()
	return r.MemoryStore.ReserveDriver(ctx, rideID, driverID, surge)
}

func newTestRide(t *testing.T, s *storage.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateRide(context.Background(), &models.Ride{
		ID: id, RiderID: "rider-1", Tier: models.TierStandard,
		Pickup:      models.Coord{Lat: 12.97, Lng: 77.59},
		Destination: models.Coord{Lat: 13.00, Lng: 77.60},
		Status:      models.RideRequested,
	}))
}

func newTestDriver(t *testing.T, s *storage.MemoryStore, id string, lat, lng float64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertDriver(ctx, &models.Driver{
		ID: id, Name: id, Phone: "phone-" + id, Tier: models.TierStandard, Status: models.DriverOffline,
	})
	require.NoError(t, err)
	_, err = s.UpdateDriverLocation(ctx, id, lat, lng, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SetDriverStatus(ctx, id, models.DriverAvailable))
}

func TestRunMatchesNearestDriver(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newTestRide(t, mem, "ride-1")
	newTestDriver(t, mem, "near", 12.975, 77.59)
	newTestDriver(t, mem, "far", 13.01, 77.59)

	notify := &captureNotifier{}
	e := &Engine{Store: mem, Surge: fixedSurge{1.2}, Notify: notify, InitialRadiusKm: 5, MaxRadiusKm: 20}

	driverID, err := e.Run(ctx, "ride-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "near", driverID)

	ride, err := mem.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RideMatched, ride.Status)
	assert.Equal(t, "near", ride.DriverID)
	assert.Equal(t, 1.2, ride.SurgeMultiplier)

	d, err := mem.GetDriver(ctx, "near")
	require.NoError(t, err)
	assert.Equal(t, models.DriverOnTrip, d.Status)

	a, ok := notify.assignments["near"]
	require.True(t, ok)
	assert.Equal(t, "ride-1", a.RideID)
	assert.Equal(t, 1.2, a.SurgeMultiplier)
}

func TestRunEscalatesRadiusOnce(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	rec := &radiusRecorder{MemoryStore: mem}
	newTestRide(t, mem, "ride-1")
	// ~11 km out: outside the initial radius, inside the cap.
	newTestDriver(t, mem, "distant", 13.07, 77.59)

	e := &Engine{Store: rec, Surge: fixedSurge{1.0}, InitialRadiusKm: 5, MaxRadiusKm: 20}

	driverID, err := e.Run(ctx, "ride-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "distant", driverID)
	assert.Equal(t, []float64{5, 20}, rec.radii)
}

func TestRunCancelsWhenNoDriverInRange(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	rec := &radiusRecorder{MemoryStore: mem}
	newTestRide(t, mem, "ride-1")
	// ~115 km out: beyond the cap even after escalation.
	newTestDriver(t, mem, "too-far", 14.00, 77.59)

	e := &Engine{Store: rec, Surge: fixedSurge{1.0}, InitialRadiusKm: 5, MaxRadiusKm: 20}

	_, err := e.Run(ctx, "ride-1", nil)
	var noCand *apperr.NoCandidateError
	require.ErrorAs(t, err, &noCand)
	assert.Equal(t, "ride-1", noCand.RideID)
	assert.Equal(t, []float64{5, 20}, rec.radii)

	ride, err := mem.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, ride.Status)
}

func TestRunSkipsDriverLostToRace(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	rec := &radiusRecorder{MemoryStore: mem, failReserves: 1}
	newTestRide(t, mem, "ride-1")
	newTestDriver(t, mem, "near", 12.975, 77.59)
	newTestDriver(t, mem, "backup", 12.99, 77.59)

	e := &Engine{Store: rec, Surge: fixedSurge{1.0}, InitialRadiusKm: 5, MaxRadiusKm: 20}

	driverID, err := e.Run(ctx, "ride-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "backup", driverID)
}

func TestRunStopsWhenRideCancelledMidMatch(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newTestRide(t, mem, "ride-1")
	newTestDriver(t, mem, "near", 12.975, 77.59)

	// Ride was cancelled before matching got to it.
	require.NoError(t, mem.CASRideStatus(ctx, "ride-1", models.RideRequested, models.RideCancelled))

	e := &Engine{Store: mem, Surge: fixedSurge{1.0}, InitialRadiusKm: 5, MaxRadiusKm: 20}

	driverID, err := e.Run(ctx, "ride-1", nil)
	require.NoError(t, err)
	assert.Empty(t, driverID)

	// The driver was never reserved.
	d, err := mem.GetDriver(ctx, "near")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestRunHonorsExclusions(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newTestRide(t, mem, "ride-1")
	newTestDriver(t, mem, "silent", 12.975, 77.59)
	newTestDriver(t, mem, "backup", 12.99, 77.59)

	e := &Engine{Store: mem, Surge: fixedSurge{1.0}, InitialRadiusKm: 5, MaxRadiusKm: 20}

	driverID, err := e.Run(ctx, "ride-1", []string{"silent"})
	require.NoError(t, err)
	assert.Equal(t, "backup", driverID)
}
