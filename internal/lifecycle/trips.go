package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/pricing"
)

// StartTrip moves the ride accepted -> in_progress and creates the trip
// record in the same transaction.
func (m *Manager) StartTrip(ctx context.Context, rideID string) (*models.Trip, error) {
	trip := &models.Trip{
		ID:        uuid.NewString(),
		RideID:    rideID,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.StartTrip(ctx, trip); err != nil {
		return nil, m.stateError(ctx, "start trip", rideID, err)
	}
	m.rides.Invalidate(ctx, rideID)
	return trip, nil
}

func (m *Manager) PauseTrip(ctx context.Context, rideID string) error {
	if err := m.store.PauseTrip(ctx, rideID, time.Now().UTC()); err != nil {
		return m.stateError(ctx, "pause trip", rideID, err)
	}
	m.rides.Invalidate(ctx, rideID)
	return nil
}

func (m *Manager) ResumeTrip(ctx context.Context, rideID string) error {
	if err := m.store.ResumeTrip(ctx, rideID); err != nil {
		return m.stateError(ctx, "resume trip", rideID, err)
	}
	m.rides.Invalidate(ctx, rideID)
	return nil
}

// EndTrip finalizes the trip with the reported distance and duration,
// computes the fare against the surge multiplier frozen at match time, and
// frees the driver.
func (m *Manager) EndTrip(ctx context.Context, rideID string, distanceKm, durationMin float64) (*models.Trip, error) {
	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	fare := pricing.Fare(ride.Tier, distanceKm, durationMin, ride.SurgeMultiplier)
	if err := m.store.EndTrip(ctx, rideID, distanceKm, durationMin, fare, time.Now().UTC()); err != nil {
		return nil, m.stateError(ctx, "end trip", rideID, err)
	}
	m.clearRideState(rideID)
	m.rides.Invalidate(ctx, rideID)
	m.logger.Info("trip ended", "ride_id", rideID, "fare", fare, "distance_km", distanceKm, "duration_min", durationMin)
	return m.store.GetTripByRide(ctx, rideID)
}

func (m *Manager) GetTrip(ctx context.Context, rideID string) (*models.Trip, error) {
	return m.store.GetTripByRide(ctx, rideID)
}
