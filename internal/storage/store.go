package storage

import (
	"context"
	"time"

	"github.com/example/ride-hailing/internal/idempotency"
	"github.com/example/ride-hailing/internal/models"
)

// DriverStore is the authoritative driver registry. Status transitions are
// the only mutation under concurrency control; location updates are cheap
// unconditional writes.
type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) (*models.Driver, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpdateDriverLocation(ctx context.Context, id string, lat, lng float64, at time.Time) (*models.Driver, error)
	SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) error
	CASDriverStatus(ctx context.Context, id string, from, to models.DriverStatus) error
	// NearestAvailable returns the closest available driver of the tier
	// within radiusKm, skipping excluded ids. NotFoundError when none.
	NearestAvailable(ctx context.Context, pickup models.Coord, tier models.Tier, radiusKm float64, exclude []string) (*models.Driver, float64, error)
}

type RiderStore interface {
	CreateRider(ctx context.Context, r *models.Rider) error
	GetRider(ctx context.Context, id string) (*models.Rider, error)
}

// RideStore persists rides. Every transition is a conditional update: the
// write applies only when the current status equals the expected one, and a
// mismatch comes back as ConflictError.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	CASRideStatus(ctx context.Context, id string, from, to models.RideStatus) error
	// ReserveDriver atomically takes driver available->on_trip and ride
	// searching->matched, assigning the driver and freezing the surge
	// multiplier. Either side failing its precondition rolls back both.
	ReserveDriver(ctx context.Context, rideID, driverID string, surge float64) error
	// RevertMatch undoes an unaccepted reservation: ride matched->searching
	// with the driver unassigned, driver on_trip->available.
	RevertMatch(ctx context.Context, rideID, driverID string) error
	// CancelRide moves any non-terminal ride to cancelled and returns the
	// id of the driver it released, if one was reserved.
	CancelRide(ctx context.Context, rideID string) (releasedDriver string, err error)
}

type TripStore interface {
	// StartTrip moves the ride accepted->in_progress and creates the trip
	// row in the same transaction.
	StartTrip(ctx context.Context, trip *models.Trip) error
	PauseTrip(ctx context.Context, rideID string, at time.Time) error
	ResumeTrip(ctx context.Context, rideID string) error
	// EndTrip finalizes the trip, completes the ride with the final fare
	// and frees the driver, all atomically.
	EndTrip(ctx context.Context, rideID string, distanceKm, durationMin, fare float64, at time.Time) error
	GetTripByRide(ctx context.Context, rideID string) (*models.Trip, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByRide(ctx context.Context, rideID string) (*models.Payment, error)
	CASPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus) error
	FinishPayment(ctx context.Context, id string, status models.PaymentStatus, pspRef string) error
}

// Store is everything the services need from persistence.
type Store interface {
	DriverStore
	RiderStore
	RideStore
	TripStore
	PaymentStore
	idempotency.Store
}
