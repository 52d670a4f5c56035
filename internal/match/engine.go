// Package match implements driver matching: an expanding-radius nearest
// query over the driver registry plus an optimistic reservation loop. There
// is no global lock; correctness rests on the store's conditional updates.
package match

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-hailing/internal/apperr"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
)

type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	CASRideStatus(ctx context.Context, id string, from, to models.RideStatus) error
	NearestAvailable(ctx context.Context, pickup models.Coord, tier models.Tier, radiusKm float64, exclude []string) (*models.Driver, float64, error)
	ReserveDriver(ctx context.Context, rideID, driverID string, surge float64) error
}

type SurgeReader interface {
	CurrentSurge(ctx context.Context, pickup models.Coord) (float64, error)
}

type Notifier interface {
	Assign(driverID string, a models.Assignment) error
}

type Engine struct {
	Store           Store
	Surge           SurgeReader
	Notify          Notifier // optional, best-effort
	InitialRadiusKm float64  // default 5
	MaxRadiusKm     float64  // default 20
	Logger          *slog.Logger
}

// Run drives one matching pass for a ride. It returns the reserved driver's
// id on success, NoCandidateError after the ride was auto-cancelled on
// radius exhaustion, and ("", nil) when the ride was concurrently moved out
// of the searching state (e.g. cancelled) and there is nothing left to do.
func (e *Engine) Run(ctx context.Context, rideID string, exclude []string) (string, error) {
	start := time.Now()
	initial, max := e.InitialRadiusKm, e.MaxRadiusKm
	if initial <= 0 {
		initial = 5
	}
	if max <= 0 {
		max = 20
	}

	ride, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return "", err
	}
	switch ride.Status {
	case models.RideRequested:
		if err := e.Store.CASRideStatus(ctx, rideID, models.RideRequested, models.RideSearching); err != nil {
			// Lost a race with a concurrent cancel; nothing to match.
			var conflict *apperr.ConflictError
			if errors.As(err, &conflict) {
				return "", nil
			}
			return "", err
		}
	case models.RideSearching:
		// Re-entry after an accept timeout.
	default:
		return "", nil
	}

	// The multiplier the winning reservation freezes onto the ride.
	surge, err := e.Surge.CurrentSurge(ctx, ride.Pickup)
	if err != nil {
		e.logWarn("surge read failed, defaulting to 1.0", "ride_id", rideID, "error", err)
		surge = 1.0
	}

	excluded := append([]string(nil), exclude...)
	radius := initial
	escalated := false

	for {
		d, dist, err := e.Store.NearestAvailable(ctx, ride.Pickup, ride.Tier, radius, excluded)
		if err != nil {
			var notFound *apperr.NotFoundError
			if !errors.As(err, &notFound) {
				return "", err
			}
			if !escalated {
				// Exactly one retry, straight at the cap.
				radius = max
				escalated = true
				continue
			}
			if cancelErr := e.Store.CASRideStatus(ctx, rideID, models.RideSearching, models.RideCancelled); cancelErr == nil {
				observability.NoDriverTotal.Inc()
			}
			return "", &apperr.NoCandidateError{RideID: rideID, RadiusKm: radius}
		}

		err = e.Store.ReserveDriver(ctx, rideID, d.ID, surge)
		if err == nil {
			observability.MatchesTotal.Inc()
			observability.MatchLatency.Observe(time.Since(start).Seconds())
			observability.SurgeMultiplier.Observe(surge)
			if e.Notify != nil {
				_ = e.Notify.Assign(d.ID, models.Assignment{
					RideID:          rideID,
					Pickup:          ride.Pickup,
					Destination:     ride.Destination,
					Tier:            ride.Tier,
					SurgeMultiplier: surge,
					EstimatedFare:   ride.EstimatedFare,
				})
			}
			e.logInfo("driver reserved", "ride_id", rideID, "driver_id", d.ID, "distance_km", dist, "surge", surge)
			return d.ID, nil
		}

		var conflict *apperr.ConflictError
		if !errors.As(err, &conflict) {
			return "", err
		}
		if conflict.Entity == "ride" {
			// Cancelled (or otherwise moved) while we were reserving; the
			// reservation rolled back, so the driver stays available.
			e.logInfo("ride left searching during reservation", "ride_id", rideID)
			return "", nil
		}
		// Another matcher won this driver; try the next nearest.
		excluded = append(excluded, d.ID)
	}
}

func (e *Engine) logInfo(msg string, args ...any) {
	if e.Logger != nil {
		e.Logger.Info(msg, args...)
	}
}

func (e *Engine) logWarn(msg string, args ...any) {
	if e.Logger != nil {
		e.Logger.Warn(msg, args...)
	}
}
