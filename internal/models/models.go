package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Tier is the service class requested by the rider and served by a driver.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierXL       Tier = "xl"
)

func (t Tier) Valid() bool {
	switch t {
	case TierStandard, TierPremium, TierXL:
		return true
	}
	return false
}

type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverOnTrip    DriverStatus = "on_trip"
)

type RideStatus string

const (
	RideRequested  RideStatus = "requested"
	RideSearching  RideStatus = "searching"
	RideMatched    RideStatus = "matched"
	RideAccepted   RideStatus = "accepted"
	RideInProgress RideStatus = "in_progress"
	RidePaused     RideStatus = "paused"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
)

type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodCash   PaymentMethod = "cash"
	MethodWallet PaymentMethod = "wallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodCash, MethodWallet:
		return true
	}
	return false
}

type Driver struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Phone     string       `json:"phone"`
	Tier      Tier         `json:"tier"`
	Status    DriverStatus `json:"status"`
	Lat       *float64     `json:"lat,omitempty"`
	Lng       *float64     `json:"lng,omitempty"`
	LocatedAt time.Time    `json:"located_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type Rider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ride is the lifecycle aggregate. DriverID stays empty until a match is
// reserved; SurgeMultiplier stays zero until the reservation freezes it.
type Ride struct {
	ID              string        `json:"id"`
	RiderID         string        `json:"rider_id"`
	DriverID        string        `json:"driver_id,omitempty"`
	Pickup          Coord         `json:"pickup"`
	Destination     Coord         `json:"destination"`
	Tier            Tier          `json:"tier"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Status          RideStatus    `json:"status"`
	SurgeMultiplier float64       `json:"surge_multiplier"`
	EstimatedFare   float64       `json:"estimated_fare"`
	FinalFare       *float64      `json:"final_fare,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Trip records the physical journey for a ride, 1:1, created when the ride
// enters in_progress. Immutable once EndedAt is set.
type Trip struct {
	ID          string     `json:"id"`
	RideID      string     `json:"ride_id"`
	StartedAt   time.Time  `json:"started_at"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DistanceKm  float64    `json:"distance_km"`
	DurationMin float64    `json:"duration_minutes"`
	Fare        float64    `json:"fare"`
}

type Payment struct {
	ID             string        `json:"id"`
	RideID         string        `json:"ride_id"`
	RiderID        string        `json:"rider_id"`
	Amount         float64       `json:"amount"`
	Method         PaymentMethod `json:"method"`
	Status         PaymentStatus `json:"status"`
	PSPRef         string        `json:"psp_ref,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type RideRequest struct {
	RiderID        string        `json:"rider_id"`
	Pickup         Coord         `json:"pickup"`
	Destination    Coord         `json:"destination"`
	Tier           Tier          `json:"tier"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// DriverLocation is the Kafka payload for location updates and the shape the
// consumer caches under driver:loc:{id}.
type DriverLocation struct {
	DriverID  string       `json:"driver_id"`
	Lat       float64      `json:"lat"`
	Lng       float64      `json:"lng"`
	Tier      Tier         `json:"tier"`
	Status    DriverStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Assignment is pushed to a matched driver over its websocket session.
type Assignment struct {
	RideID          string  `json:"ride_id"`
	Pickup          Coord   `json:"pickup"`
	Destination     Coord   `json:"destination"`
	Tier            Tier    `json:"tier"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	EstimatedFare   float64 `json:"estimated_fare"`
}
